// Worker consumes telemetry events from Kafka and pushes them to Loki, and archives them in
// Postgres when DATABASE_URL is set. Set KAFKA_BROKERS, TELEMETRY_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"captcha-gate/internal/config"
	"captcha-gate/internal/db"
	"captcha-gate/internal/telemetry/loki"
	telemetryrepo "captcha-gate/internal/telemetry/repository"
	"captcha-gate/internal/telemetry/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	lokiClient := loki.NewClient(cfg.LokiURL, nil)
	sinks := []worker.Sink{worker.SinkFunc(lokiClient.PushEventJSON)}
	if cfg.DatabaseURL != "" {
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer database.Close()
		sinks = append(sinks, worker.ArchiveSink(telemetryrepo.NewPostgresRepository(database)))
		log.Println("worker: archiving events to postgres")
	}

	reader := worker.NewReader(brokers, cfg.TelemetryKafkaTopic, cfg.KafkaGroupID)
	defer reader.Close()

	log.Printf("worker: consuming from %s (group %s), pushing to %s", cfg.TelemetryKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	if err := worker.New(reader, sinks...).Run(ctx); err != nil {
		log.Printf("worker: %v", err)
	}
	log.Println("worker: stopped")
}
