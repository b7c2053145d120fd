// Package config loads runtime settings for the sync engine: defaults
// first, then an optional .env file, then process environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the sync daemon.
type Config struct {
	DatabasePath string
	ListenAddr   string

	Google GoogleConfig
	Push   PushConfig

	// WebhookCallbackURL is the public URL the provider pushes change
	// notifications to. Watch registrations are skipped when empty.
	WebhookCallbackURL string

	SyncInterval     time.Duration
	SyncWindow       time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	PriorityInterval time.Duration
	StandardInterval time.Duration
	JobRetention     time.Duration
}

// GoogleConfig carries the OAuth client registered with the provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// PushConfig points at the external push-transport collaborator.
type PushConfig struct {
	Endpoint string
	APIKey   string
}

func defaults() *Config {
	return &Config{
		DatabasePath:     "kairos-sync.db",
		ListenAddr:       ":8080",
		SyncInterval:     15 * time.Minute,
		SyncWindow:       30 * 24 * time.Hour,
		BatchSize:        10,
		BatchDelay:       2 * time.Second,
		PriorityInterval: 30 * time.Minute,
		StandardInterval: 4 * time.Hour,
		JobRetention:     14 * 24 * time.Hour,
	}
}

// Load builds a Config from defaults, an optional .env file, and the
// environment. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	stringVar(&cfg.DatabasePath, "KAIROS_DB_PATH")
	stringVar(&cfg.ListenAddr, "KAIROS_LISTEN_ADDR")
	stringVar(&cfg.Google.ClientID, "GOOGLE_CLIENT_ID")
	stringVar(&cfg.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	stringVar(&cfg.Google.RedirectURL, "GOOGLE_REDIRECT_URL")
	stringVar(&cfg.Push.Endpoint, "PUSH_ENDPOINT")
	stringVar(&cfg.Push.APIKey, "PUSH_API_KEY")
	stringVar(&cfg.WebhookCallbackURL, "WEBHOOK_CALLBACK_URL")

	var err error
	if err = durationVar(&cfg.SyncInterval, "KAIROS_SYNC_INTERVAL"); err != nil {
		return nil, err
	}
	if err = durationVar(&cfg.SyncWindow, "KAIROS_SYNC_WINDOW"); err != nil {
		return nil, err
	}
	if err = durationVar(&cfg.BatchDelay, "KAIROS_BATCH_DELAY"); err != nil {
		return nil, err
	}
	if err = durationVar(&cfg.PriorityInterval, "KAIROS_PRIORITY_INTERVAL"); err != nil {
		return nil, err
	}
	if err = durationVar(&cfg.StandardInterval, "KAIROS_STANDARD_INTERVAL"); err != nil {
		return nil, err
	}
	if err = durationVar(&cfg.JobRetention, "KAIROS_JOB_RETENTION"); err != nil {
		return nil, err
	}
	if err = intVar(&cfg.BatchSize, "KAIROS_BATCH_SIZE"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func durationVar(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", key, err)
	}
	*dst = d
	return nil
}

func intVar(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", key, err)
	}
	*dst = n
	return nil
}
