package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional rotating JSON log file

	// Storage: "postgres" or "sqlite"
	Storage    string
	SQLitePath string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config; an empty host disables idempotency, rate limits and the sweep lease
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	RateLimitPerMinute int

	// AWS Services
	AWSRegion    string
	SNSRegion    string // AWS region for SNS mobile push
	SESFromEmail string // empty disables email reminders
	SQSRegion    string
	SQSQueueURL  string // log signals; empty logs them instead

	// Web Push
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	// Scheduler
	SchedulerInterval time.Duration
	Staleness         time.Duration
	ResponseWindow    time.Duration
	DeliveryTimeout   time.Duration
	SweepConcurrency  int

	// Circuit breaker per push channel
	BreakerMaxFailures int
	BreakerRecovery    time.Duration

	OTLPEndpoint string // tracing is off when empty
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from a .env file (DOTENV_PATH, default ".env") are loaded first
// and never override the real environment.
func Load() (*Config, error) {
	dotenv := os.Getenv("DOTENV_PATH")
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		Storage:    "postgres",
		SQLitePath: "trivita.db",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "trivita",
		DBSSLMode: "disable",

		RedisPort: 6379,

		RateLimitPerMinute: 120,

		AWSRegion: "us-east-1",

		VAPIDSubscriber: "mailto:admin@trivita.local",

		SchedulerInterval: 5 * time.Minute,
		Staleness:         120 * time.Minute,
		ResponseWindow:    120 * time.Minute,
		DeliveryTimeout:   5 * time.Second,
		SweepConcurrency:  8,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"LOG_LEVEL", &cfg.LogLevel},
		{"ENV", &cfg.Env},
		{"LOG_FILE", &cfg.LogFile},
		{"STORAGE", &cfg.Storage},
		{"SQLITE_PATH", &cfg.SQLitePath},
		{"DB_HOST", &cfg.DBHost},
		{"DB_USER", &cfg.DBUser},
		{"DB_PASSWORD", &cfg.DBPassword},
		{"DB_NAME", &cfg.DBName},
		{"DB_SSLMODE", &cfg.DBSSLMode},
		{"REDIS_HOST", &cfg.RedisHost},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"AWS_REGION", &cfg.AWSRegion},
		{"SES_FROM_EMAIL", &cfg.SESFromEmail},
		{"SQS_QUEUE_URL", &cfg.SQSQueueURL},
		{"VAPID_PUBLIC_KEY", &cfg.VAPIDPublicKey},
		{"VAPID_PRIVATE_KEY", &cfg.VAPIDPrivateKey},
		{"VAPID_SUBSCRIBER", &cfg.VAPIDSubscriber},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
		{"SWEEP_CONCURRENCY", &cfg.SweepConcurrency},
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"SCHEDULER_INTERVAL_MINUTES", time.Minute, &cfg.SchedulerInterval},
		{"STALENESS_MINUTES", time.Minute, &cfg.Staleness},
		{"RESPONSE_WINDOW_MINUTES", time.Minute, &cfg.ResponseWindow},
		{"DELIVERY_TIMEOUT_SECONDS", time.Second, &cfg.DeliveryTimeout},
		{"BREAKER_RECOVERY_SECONDS", time.Second, &cfg.BreakerRecovery},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s: must be a positive integer", d.key)
			}
			*d.dst = time.Duration(n) * d.unit
		}
	}

	// SNS and SQS follow AWS_REGION unless set
	cfg.SNSRegion = cfg.AWSRegion
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}
	cfg.SQSRegion = cfg.AWSRegion
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	}

	if cfg.Storage != "postgres" && cfg.Storage != "sqlite" {
		return nil, fmt.Errorf("invalid STORAGE %q: must be postgres or sqlite", cfg.Storage)
	}

	return cfg, nil
}
