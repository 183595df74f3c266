// Package config loads producer configuration from an optional YAML file
// layered under PRODUCER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full producer configuration surface. Zero values are
// replaced by defaults in Load; env vars win over the file.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	FeedURL            string        `yaml:"feed_url"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`
	MaxAttemptsPerPath int           `yaml:"max_attempts_per_path"`
	PrimaryProxies     []string      `yaml:"primary_proxies"`
	FallbackProxies    []string      `yaml:"fallback_proxies"`
	UserAgent          string        `yaml:"user_agent"`

	PostgresDSN string `yaml:"postgres_dsn"`

	AMQPURL   string `yaml:"amqp_url"`
	QueueName string `yaml:"queue_name"`

	LedgerPath string `yaml:"ledger_path"`

	AllowedPlayers []string `yaml:"allowed_players"`
	AllowlistFile  string   `yaml:"allowlist_file"`

	PeakStartHour          int           `yaml:"peak_start_hour"`
	PeakEndHour            int           `yaml:"peak_end_hour"`
	UTCOffset              time.Duration `yaml:"utc_offset"`
	OffPeakSkipProbability float64       `yaml:"off_peak_skip_probability"`
	BackoffCap             int           `yaml:"backoff_cap"`
	BackoffCoefficient     float64       `yaml:"backoff_coefficient"`

	BatchSize          int           `yaml:"batch_size"`
	PublishConcurrency int           `yaml:"publish_concurrency"`
	BatchPause         time.Duration `yaml:"batch_pause"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
}

// Defaults returns the configuration the producer runs with when neither
// the file nor the environment says otherwise.
func Defaults() Config {
	return Config{
		PollInterval:           5 * time.Minute,
		UpstreamTimeout:        30 * time.Second,
		MaxAttemptsPerPath:     3,
		UserAgent:              "invaders-producer/1.0",
		QueueName:              "flashes",
		LedgerPath:             "data/retry-ledger.ndjson",
		PeakStartHour:          8,
		PeakEndHour:            23,
		UTCOffset:              time.Hour,
		OffPeakSkipProbability: 0.5,
		BackoffCap:             10,
		BackoffCoefficient:     0.1,
		BatchSize:              25,
		PublishConcurrency:     10,
		BatchPause:             250 * time.Millisecond,
		PublishTimeout:         10 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then PRODUCER_* env overrides. A named
// file that does not exist is an error; an empty path is not.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.PollInterval = durationEnv("PRODUCER_POLL_INTERVAL", c.PollInterval)

	c.FeedURL = stringEnv("PRODUCER_FEED_URL", c.FeedURL)
	c.UpstreamTimeout = durationEnv("PRODUCER_UPSTREAM_TIMEOUT", c.UpstreamTimeout)
	c.MaxAttemptsPerPath = intEnv("PRODUCER_MAX_ATTEMPTS_PER_PATH", c.MaxAttemptsPerPath)
	c.PrimaryProxies = listEnv("PRODUCER_PRIMARY_PROXIES", c.PrimaryProxies)
	c.FallbackProxies = listEnv("PRODUCER_FALLBACK_PROXIES", c.FallbackProxies)
	c.UserAgent = stringEnv("PRODUCER_USER_AGENT", c.UserAgent)

	c.PostgresDSN = stringEnv("PRODUCER_POSTGRES_DSN", c.PostgresDSN)

	c.AMQPURL = stringEnv("PRODUCER_AMQP_URL", c.AMQPURL)
	c.QueueName = stringEnv("PRODUCER_QUEUE_NAME", c.QueueName)

	c.LedgerPath = stringEnv("PRODUCER_LEDGER_PATH", c.LedgerPath)

	c.AllowedPlayers = listEnv("PRODUCER_ALLOWED_PLAYERS", c.AllowedPlayers)
	c.AllowlistFile = stringEnv("PRODUCER_ALLOWLIST_FILE", c.AllowlistFile)

	c.PeakStartHour = intEnv("PRODUCER_PEAK_START_HOUR", c.PeakStartHour)
	c.PeakEndHour = intEnv("PRODUCER_PEAK_END_HOUR", c.PeakEndHour)
	c.UTCOffset = durationEnv("PRODUCER_UTC_OFFSET", c.UTCOffset)
	c.OffPeakSkipProbability = floatEnv("PRODUCER_OFF_PEAK_SKIP_PROBABILITY", c.OffPeakSkipProbability)
	c.BackoffCap = intEnv("PRODUCER_BACKOFF_CAP", c.BackoffCap)
	c.BackoffCoefficient = floatEnv("PRODUCER_BACKOFF_COEFFICIENT", c.BackoffCoefficient)

	c.BatchSize = intEnv("PRODUCER_BATCH_SIZE", c.BatchSize)
	c.PublishConcurrency = intEnv("PRODUCER_PUBLISH_CONCURRENCY", c.PublishConcurrency)
	c.BatchPause = durationEnv("PRODUCER_BATCH_PAUSE", c.BatchPause)
	c.PublishTimeout = durationEnv("PRODUCER_PUBLISH_TIMEOUT", c.PublishTimeout)
}

// Validate rejects configurations the producer cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.FeedURL) == "" {
		return errors.New("config: feed_url is required")
	}
	if strings.TrimSpace(c.PostgresDSN) == "" {
		return errors.New("config: postgres_dsn is required")
	}
	if strings.TrimSpace(c.AMQPURL) == "" {
		return errors.New("config: amqp_url is required")
	}
	if c.PeakStartHour < 0 || c.PeakStartHour > 23 {
		return fmt.Errorf("config: peak_start_hour %d out of range 0-23", c.PeakStartHour)
	}
	if c.PeakEndHour < 0 || c.PeakEndHour > 23 {
		return fmt.Errorf("config: peak_end_hour %d out of range 0-23", c.PeakEndHour)
	}
	if c.OffPeakSkipProbability < 0 || c.OffPeakSkipProbability > 1 {
		return fmt.Errorf("config: off_peak_skip_probability %f out of range 0-1", c.OffPeakSkipProbability)
	}
	if c.BackoffCoefficient < 0 {
		return fmt.Errorf("config: backoff_coefficient %f must not be negative", c.BackoffCoefficient)
	}
	if c.BackoffCap < 0 {
		return fmt.Errorf("config: backoff_cap %d must not be negative", c.BackoffCap)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval %s must be positive", c.PollInterval)
	}
	return nil
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
