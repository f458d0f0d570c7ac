package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Storage != "postgres" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SchedulerInterval != 5*time.Minute || cfg.Staleness != 2*time.Hour || cfg.ResponseWindow != 2*time.Hour {
		t.Errorf("scheduler defaults: %v %v %v", cfg.SchedulerInterval, cfg.Staleness, cfg.ResponseWindow)
	}
	if cfg.DeliveryTimeout != 5*time.Second || cfg.SweepConcurrency != 8 {
		t.Errorf("delivery defaults: %v %d", cfg.DeliveryTimeout, cfg.SweepConcurrency)
	}
	if cfg.SNSRegion != cfg.AWSRegion || cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("regions should follow AWS_REGION: %s %s", cfg.SNSRegion, cfg.SQSRegion)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE", "sqlite")
	t.Setenv("SCHEDULER_INTERVAL_MINUTES", "1")
	t.Setenv("DELIVERY_TIMEOUT_SECONDS", "10")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "us-west-2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Storage != "sqlite" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.SchedulerInterval != time.Minute || cfg.DeliveryTimeout != 10*time.Second {
		t.Errorf("durations: %v %v", cfg.SchedulerInterval, cfg.DeliveryTimeout)
	}
	if cfg.SNSRegion != "us-west-2" || cfg.SQSRegion != "eu-west-1" {
		t.Errorf("regions: %s %s", cfg.SNSRegion, cfg.SQSRegion)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SQS_QUEUE_URL=https://sqs.local/q\nDB_NAME=fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_PATH", path)
	t.Setenv("DB_NAME", "fromenv")
	// registered for restore, then unset so the file can provide it
	t.Setenv("SQS_QUEUE_URL", "")
	os.Unsetenv("SQS_QUEUE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SQSQueueURL != "https://sqs.local/q" {
		t.Errorf("dotenv value not loaded: %q", cfg.SQSQueueURL)
	}
	if cfg.DBName != "fromenv" {
		t.Errorf("dotenv overrode the environment: %q", cfg.DBName)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"STALENESS_MINUTES", "-5"},
		{"SWEEP_CONCURRENCY", "many"},
		{"STORAGE", "mongo"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
