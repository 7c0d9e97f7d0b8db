package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nubiot/fleetsync/pkg/types"
)

// Config holds the full engine configuration, loaded from a YAML file
// with environment variable overrides for deployment-specific values.
type Config struct {
	DataDir string `yaml:"data_dir"`
	APIAddr string `yaml:"api_addr"`

	Log LogConfig `yaml:"log"`

	History  HistoryConfig  `yaml:"history"`
	Backfill BackfillConfig `yaml:"backfill"`
	LiveTail LiveTailConfig `yaml:"live_tail"`

	// Composites declares which sensors contribute fields to shared
	// recognition-event documents.
	Composites []types.CompositeSpec `yaml:"composites"`
}

// LogConfig controls logger output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HistoryConfig configures the historical data API client
type HistoryConfig struct {
	BaseURL  string        `yaml:"base_url"`
	PageSize int           `yaml:"page_size"`
	Slice    time.Duration `yaml:"slice"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BackfillConfig configures the backfill job runner
type BackfillConfig struct {
	// Horizon is how far back a newly enabled sensor should be synced.
	Horizon time.Duration `yaml:"horizon"`
	// Workers bounds how many devices are paged in parallel per job.
	Workers int `yaml:"workers"`
}

// LiveTailConfig configures the broker subscription manager
type LiveTailConfig struct {
	SubscribeBatchSize  int           `yaml:"subscribe_batch_size"`
	SubscribeBatchDelay time.Duration `yaml:"subscribe_batch_delay"`
	InboxSize           int           `yaml:"inbox_size"`
	// ReconcileInterval is how often subscriptions are rebuilt to pick
	// up fleet changes that did not go through a lifecycle transition.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Default returns a config with sane defaults for every tunable.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/fleetsync",
		APIAddr: ":8080",
		Log:     LogConfig{Level: "info", JSON: true},
		History: HistoryConfig{
			PageSize: 500,
			Slice:    24 * time.Hour,
			Timeout:  30 * time.Second,
		},
		Backfill: BackfillConfig{
			Horizon: 90 * 24 * time.Hour,
			Workers: 4,
		},
		LiveTail: LiveTailConfig{
			SubscribeBatchSize:  50,
			SubscribeBatchDelay: 200 * time.Millisecond,
			InboxSize:           1024,
			ReconcileInterval:   5 * time.Minute,
		},
	}
}

// Load reads a YAML config file on top of the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and tunable sanity.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.History.BaseURL == "" {
		return fmt.Errorf("history.base_url is required")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}
	if c.History.Slice <= 0 {
		return fmt.Errorf("history.slice must be positive")
	}
	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("backfill.workers must be positive")
	}
	if c.LiveTail.SubscribeBatchSize <= 0 {
		return fmt.Errorf("live_tail.subscribe_batch_size must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DataDir = getEnv("FLEETSYNC_DATA_DIR", cfg.DataDir)
	cfg.APIAddr = getEnv("FLEETSYNC_API_ADDR", cfg.APIAddr)
	cfg.History.BaseURL = getEnv("FLEETSYNC_HISTORY_URL", cfg.History.BaseURL)
	cfg.Log.Level = getEnv("FLEETSYNC_LOG_LEVEL", cfg.Log.Level)
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
