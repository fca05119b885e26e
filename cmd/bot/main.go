// Bot runs the captcha gate: it challenges members joining a guild, evaluates their answers and
// grants the verified role or kicks them. Set DISCORD_TOKEN; DATABASE_URL is optional (without it
// guild configs live in memory and nothing is audited).
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"captcha-gate/internal/audit"
	auditrepo "captcha-gate/internal/audit/repository"
	"captcha-gate/internal/captcha"
	"captcha-gate/internal/challenge/service"
	"captcha-gate/internal/config"
	"captcha-gate/internal/db"
	"captcha-gate/internal/discord"
	"captcha-gate/internal/guildconfig"
	guildconfigrepo "captcha-gate/internal/guildconfig/repository"
	"captcha-gate/internal/health"
	"captcha-gate/internal/policy/engine"
	policyrepo "captcha-gate/internal/policy/repository"
	"captcha-gate/internal/server"
	"captcha-gate/internal/telemetry"
	telemetryotel "captcha-gate/internal/telemetry/otel"
	"captcha-gate/internal/telemetry/producer"
)

const (
	attemptBuffer       = 256
	healthProbeInterval = 15 * time.Second
	shutdownTimeout     = 20 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DiscordToken == "" {
		log.Fatal("bot: DISCORD_TOKEN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTelEndpoint, cfg.ServiceName, cfg.OTelInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	metrics, err := telemetryotel.NewMetrics(providers.Meter())
	if err != nil {
		log.Fatalf("otel metrics: %v", err)
	}
	kafkaProducer := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	emitter := telemetry.Fanout{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		emitter = append(emitter, kafkaProducer)
		log.Printf("bot: telemetry to kafka topic %s", cfg.TelemetryKafkaTopic)
	}

	var (
		database   *sql.DB
		guildRepo  guildconfigrepo.Repository = guildconfigrepo.NewMemoryRepository()
		auditRepo  auditrepo.Repository
		policyRepo policyrepo.Repository
	)
	if cfg.DatabaseURL != "" {
		database, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer database.Close()
		guildRepo = guildconfigrepo.NewPostgresRepository(database)
		auditRepo = auditrepo.NewPostgresRepository(database)
		policyRepo = policyrepo.NewPostgresRepository(database)
	} else {
		log.Println("bot: DATABASE_URL not set; guild configs are kept in memory")
	}
	auditLogger := audit.NewLogger(auditRepo)

	basePolicy, err := engine.LoadPolicyFile(cfg.CaptchaPolicyPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	evaluator, err := engine.NewOPAEvaluator(ctx, policyRepo, basePolicy)
	if err != nil {
		log.Fatalf("%v", err)
	}

	synth, err := captcha.NewSynthesizer(captcha.Options{
		Width:     cfg.CaptchaWidth,
		Height:    cfg.CaptchaHeight,
		FontSizes: cfg.FontSizes(),
		FontPaths: cfg.FontPaths(),
		Dots:      cfg.CaptchaDots,
	})
	if err != nil {
		log.Fatalf("captcha: %v", err)
	}

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatalf("discord: %v", err)
	}
	session.Identify.Intents = discord.Intents
	gateway := discord.NewGateway(session)

	manager := service.NewManager(guildRepo, synth, gateway, gateway,
		service.WithPolicy(evaluator),
		service.WithAuditLogger(auditLogger),
		service.WithEventEmitter(emitter),
		service.WithMetrics(metrics),
		service.WithPermissionDenied(guildconfig.DisableOnPermissionDenied(guildRepo, auditLogger)),
		service.WithSolutionLength(cfg.CaptchaLength),
		service.WithDefaults(cfg.DefaultTimeoutDuration(), cfg.DefaultMaxAttempts),
	)

	router := discord.NewRouter(ctx, manager, attemptBuffer)
	removeHandlers := router.Register(session)
	if err := session.Open(); err != nil {
		log.Fatalf("discord: open session: %v", err)
	}
	go func() {
		if err := manager.Run(ctx, router.Attempts()); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("bot: attempt loop: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcServer, healthServer := server.NewServer(server.Deps{Emitter: emitter})
	checker := &health.Checker{
		Policy: evaluator,
		Gateway: func() error {
			if !session.DataReady {
				return errors.New("discord session not ready")
			}
			return nil
		},
	}
	if database != nil {
		checker.DB = database
	}
	go checker.Watch(ctx, healthServer, "", healthProbeInterval)
	go func() {
		log.Printf("gRPC health server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	log.Println("bot: running")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("bot: shutting down...")
	removeHandlers()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	if err := session.Close(); err != nil {
		log.Printf("discord: close: %v", err)
	}
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	// Let in-flight async telemetry finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel: shutdown: %v", err)
	}
	if err := kafkaProducer.Close(); err != nil {
		log.Printf("kafka: close: %v", err)
	}
	log.Println("bot: stopped")
}
