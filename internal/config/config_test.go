package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithRequiredFieldsFromEnv(t *testing.T) {
	t.Setenv("PRODUCER_FEED_URL", "https://upstream.example/api/gallery")
	t.Setenv("PRODUCER_POSTGRES_DSN", "postgres://localhost/flashes")
	t.Setenv("PRODUCER_AMQP_URL", "amqp://localhost")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Fatalf("expected default poll interval, got %s", cfg.PollInterval)
	}
	if cfg.BatchSize != 25 || cfg.PublishConcurrency != 10 {
		t.Fatalf("unexpected publish defaults: %d / %d", cfg.BatchSize, cfg.PublishConcurrency)
	}
	if cfg.QueueName != "flashes" {
		t.Fatalf("expected default queue name, got %q", cfg.QueueName)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "producer.yaml")
	file := `
feed_url: https://upstream.example/api/gallery
postgres_dsn: postgres://localhost/flashes
amqp_url: amqp://localhost
poll_interval: 2m
batch_size: 50
allowed_players: [alice, bob]
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PRODUCER_BATCH_SIZE", "7")
	t.Setenv("PRODUCER_ALLOWED_PLAYERS", "carol, dave")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Fatalf("expected file poll interval, got %s", cfg.PollInterval)
	}
	if cfg.BatchSize != 7 {
		t.Fatalf("expected env override of batch size, got %d", cfg.BatchSize)
	}
	if len(cfg.AllowedPlayers) != 2 || cfg.AllowedPlayers[0] != "carol" || cfg.AllowedPlayers[1] != "dave" {
		t.Fatalf("expected env allow-list override, got %v", cfg.AllowedPlayers)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for a named file that does not exist")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Defaults()
	base.FeedURL = "https://upstream.example/api/gallery"
	base.PostgresDSN = "postgres://localhost/flashes"
	base.AMQPURL = "amqp://localhost"
	if err := base.Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing feed url", func(c *Config) { c.FeedURL = " " }},
		{"missing dsn", func(c *Config) { c.PostgresDSN = "" }},
		{"missing amqp url", func(c *Config) { c.AMQPURL = "" }},
		{"peak start out of range", func(c *Config) { c.PeakStartHour = 24 }},
		{"peak end negative", func(c *Config) { c.PeakEndHour = -1 }},
		{"probability above one", func(c *Config) { c.OffPeakSkipProbability = 1.5 }},
		{"negative coefficient", func(c *Config) { c.BackoffCoefficient = -0.1 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnvHelperFallbacksOnBadValues(t *testing.T) {
	t.Setenv("PRODUCER_FEED_URL", "https://upstream.example/api/gallery")
	t.Setenv("PRODUCER_POSTGRES_DSN", "postgres://localhost/flashes")
	t.Setenv("PRODUCER_AMQP_URL", "amqp://localhost")
	t.Setenv("PRODUCER_BATCH_SIZE", "not-a-number")
	t.Setenv("PRODUCER_POLL_INTERVAL", "sometimes")
	t.Setenv("PRODUCER_BACKOFF_COEFFICIENT", "often")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BatchSize != 25 || cfg.PollInterval != 5*time.Minute || cfg.BackoffCoefficient != 0.1 {
		t.Fatalf("expected fallbacks for malformed env values, got %+v", cfg)
	}
}
