// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DiscordToken is the bot token, without the "Bot " prefix. Required by cmd/bot only.
	DiscordToken string `mapstructure:"DISCORD_TOKEN"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty keeps guild configs in memory and disables the audit log.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	CaptchaWidth  int `mapstructure:"CAPTCHA_WIDTH"`
	CaptchaHeight int `mapstructure:"CAPTCHA_HEIGHT"`
	// CaptchaLength is the number of characters in each solution.
	CaptchaLength int `mapstructure:"CAPTCHA_LENGTH"`
	// CaptchaFontSizes is a comma-separated list of point sizes (e.g. "42,50,56").
	CaptchaFontSizes string `mapstructure:"CAPTCHA_FONT_SIZES"`
	// CaptchaFontPaths is a comma-separated list of TTF/OTF files; empty uses the embedded font.
	CaptchaFontPaths string `mapstructure:"CAPTCHA_FONT_PATHS"`
	// CaptchaDots is the number of noise strokes per image.
	CaptchaDots int `mapstructure:"CAPTCHA_DOTS"`
	// CaptchaPolicyPath is an optional Rego file replacing the built-in eligibility policy.
	CaptchaPolicyPath string `mapstructure:"CAPTCHA_POLICY_PATH"`

	// DefaultTimeout applies to guild configs without a timeout (e.g. "5m").
	DefaultTimeout string `mapstructure:"DEFAULT_TIMEOUT"`
	// DefaultMaxAttempts applies to guild configs without an attempt budget.
	DefaultMaxAttempts int `mapstructure:"DEFAULT_MAX_ATTEMPTS"`

	// OTLP collector endpoint (host:port or URL). Empty disables OTel export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure forces plaintext gRPC to the collector; otherwise inferred from the endpoint scheme.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name on every signal.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Telemetry (optional). When Kafka brokers are set, the bot publishes lifecycle events to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for telemetry events (default captcha-telemetry).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DISCORD_TOKEN", "")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("CAPTCHA_WIDTH", 320)
	v.SetDefault("CAPTCHA_HEIGHT", 100)
	v.SetDefault("CAPTCHA_LENGTH", 6)
	v.SetDefault("CAPTCHA_FONT_SIZES", "42,50,56")
	v.SetDefault("CAPTCHA_FONT_PATHS", "")
	v.SetDefault("CAPTCHA_DOTS", 30)
	v.SetDefault("CAPTCHA_POLICY_PATH", "")
	v.SetDefault("DEFAULT_TIMEOUT", "5m")
	v.SetDefault("DEFAULT_MAX_ATTEMPTS", 3)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "captcha-gate")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "captcha-telemetry")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "captcha-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.CaptchaWidth <= 0 || cfg.CaptchaHeight <= 0 {
		return nil, errors.New("config: CAPTCHA_WIDTH and CAPTCHA_HEIGHT must be positive")
	}
	if cfg.CaptchaLength <= 0 {
		return nil, errors.New("config: CAPTCHA_LENGTH must be positive")
	}
	if cfg.DefaultMaxAttempts < 1 {
		return nil, errors.New("config: DEFAULT_MAX_ATTEMPTS must be at least 1")
	}
	if d, err := time.ParseDuration(cfg.DefaultTimeout); err != nil || d <= 0 {
		return nil, errors.New("config: DEFAULT_TIMEOUT must be a positive duration")
	}
	if _, err := parseFloats(cfg.CaptchaFontSizes); err != nil {
		return nil, errors.New("config: CAPTCHA_FONT_SIZES must be a comma-separated list of positive numbers")
	}

	return &cfg, nil
}

// DefaultTimeoutDuration parses DefaultTimeout. Returns 5m if unset or invalid.
func (c *Config) DefaultTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// FontSizes returns the configured point sizes. Nil means use the renderer's defaults.
func (c *Config) FontSizes() []float64 {
	sizes, err := parseFloats(c.CaptchaFontSizes)
	if err != nil {
		return nil
	}
	return sizes
}

// FontPaths returns the configured font files.
func (c *Config) FontPaths() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CaptchaFontPaths)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseFloats(s string) ([]float64, error) {
	parts := splitList(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, errors.New("non-positive size")
		}
		out = append(out, f)
	}
	return out, nil
}
