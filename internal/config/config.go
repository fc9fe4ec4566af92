package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"crosspost/internal/model"
)

// OAuthClient holds the per-platform application credentials used for token
// refresh. Values are opaque to the rest of the system.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// BaseURL overrides the platform API endpoint; empty means the adapter's
	// production default. Tests point this at a local server.
	BaseURL string `yaml:"base_url"`
}

// SchedulerConfig controls the due-post loop.
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
	// BatchSize caps how many due posts one cycle publishes.
	BatchSize int `yaml:"batch_size"`
}

// WhatsAppConfig controls the whatsmeow-backed channel.
type WhatsAppConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr    string                         `yaml:"listen_addr"`
	DBDSN         string                         `yaml:"db_dsn"`
	LogLevel      string                         `yaml:"log_level"`
	NotifyWebhook string                         `yaml:"notify_webhook"`
	Scheduler     SchedulerConfig                `yaml:"scheduler"`
	WhatsApp      WhatsAppConfig                 `yaml:"whatsapp"`
	Platforms     map[model.Platform]OAuthClient `yaml:"platforms"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr: ":9724",
		DBDSN:      "file:crosspost.db?_foreign_keys=on",
		LogLevel:   "info",
		Scheduler: SchedulerConfig{
			TickSeconds: 30,
			BatchSize:   10,
		},
		WhatsApp: WhatsAppConfig{
			DSN: "file:crosspost.db?_foreign_keys=on",
		},
		Platforms: map[model.Platform]OAuthClient{},
	}
}

// Load reads the YAML file at path (when it exists) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		cfg.DBDSN = dsn
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	if hook := os.Getenv("NOTIFY_WEBHOOK"); hook != "" {
		cfg.NotifyWebhook = hook
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 30
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 10
	}
	if cfg.WhatsApp.DSN == "" {
		cfg.WhatsApp.DSN = cfg.DBDSN
	}
	return cfg, nil
}

// Tick returns the scheduler tick interval as a duration.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}
