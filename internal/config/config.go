// Package config provides configuration loading for alignd.
package config

import (
	"fmt"
	"time"

	"github.com/driftwatch/alignd/internal/audit"
	"github.com/driftwatch/alignd/internal/kernel"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/nudge"
)

// Config is the full daemon configuration.
type Config struct {
	Server  ServerConfig   `koanf:"server"`
	Journal JournalConfig  `koanf:"journal"`
	Store   memtier.Config `koanf:"store"`
	Index   IndexConfig    `koanf:"index"`
	Oracle  OracleConfig   `koanf:"oracle"`
	Audit   audit.Config   `koanf:"audit"`
	Nudge   NudgeConfig    `koanf:"nudge"`
	Kernel  kernel.Config  `koanf:"kernel"`
	NATS    NATSConfig     `koanf:"nats"`
	Logging LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// JournalConfig holds event log settings.
type JournalConfig struct {
	Path          string `koanf:"path"`
	RetentionDays int    `koanf:"retention_days"`
}

// IndexConfig holds retrieval index settings.
type IndexConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`

	// Embeddings is the OpenAI-compatible embedding endpoint feeding
	// the index.
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// OracleConfig mirrors audit.OracleConfig at the file level.
type OracleConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// NudgeConfig wraps the nudger settings with an enable switch.
type NudgeConfig struct {
	Enabled       bool `koanf:"enabled"`
	MaxPerOutcome int  `koanf:"max_per_outcome"`
}

// NATSConfig holds event bus settings.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuditSettings converts to the auditor's config type.
func (c *Config) AuditSettings() audit.Config {
	a := c.Audit
	a.ApplyDefaults()
	return a
}

// OracleSettings converts to the oracle's config type.
func (c *Config) OracleSettings() audit.OracleConfig {
	return audit.OracleConfig{
		BaseURL:     c.Oracle.BaseURL,
		Model:       c.Oracle.Model,
		APIKey:      c.Oracle.APIKey,
		Temperature: c.Oracle.Temperature,
	}
}

// NudgeSettings converts to the nudger's config type.
func (c *Config) NudgeSettings() nudge.Config {
	return nudge.Config{MaxPerOutcome: c.Nudge.MaxPerOutcome}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9470
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "~/.config/alignd/journal"
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 30
	}

	cfg.Store.ApplyDefaults()

	if cfg.Index.Path == "" {
		cfg.Index.Path = "~/.config/alignd/index"
	}
	if cfg.Index.Embeddings.BaseURL == "" {
		cfg.Index.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Index.Embeddings.Model == "" {
		cfg.Index.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gpt-4o-mini"
	}

	cfg.Audit.ApplyDefaults()

	if cfg.Nudge.MaxPerOutcome == 0 {
		cfg.Nudge.MaxPerOutcome = 1
	}
	cfg.Kernel.NudgeEnabled = cfg.Nudge.Enabled
	cfg.Kernel.ApplyDefaults()

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal path is required")
	}
	if c.Journal.RetentionDays < 1 {
		return fmt.Errorf("journal retention must be at least 1 day")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Nudge.MaxPerOutcome < 1 {
		return fmt.Errorf("nudge max per outcome must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}
