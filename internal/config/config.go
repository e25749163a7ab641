package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir       string `envconfig:"DATA_DIR" default:"data"`
	DBPath        string `envconfig:"DB_PATH"`
	BooksDir      string `envconfig:"BOOKS_DIR"`
	ThumbnailsDir string `envconfig:"THUMBNAILS_DIR"`
	ServersFile   string `envconfig:"SERVERS_FILE" default:"servers.yaml"`
	TokensFile    string `envconfig:"TOKENS_FILE"`

	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL" default:"15m"`
	SyncOnStart         bool          `envconfig:"SYNC_ON_START" default:"true"`
	OrphanSweepInterval time.Duration `envconfig:"ORPHAN_SWEEP_INTERVAL" default:"6h"`
	MaxParallelSync     int           `envconfig:"MAX_PARALLEL_SYNC" default:"4"`
	HTTPTimeout         time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL   string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"stump-offline"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9393"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
// Paths left empty are derived from DataDir.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	cfg.applyDataDir()

	if cfg.MaxParallelSync < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL_SYNC must be at least 1, got %d", cfg.MaxParallelSync)
	}

	return &cfg, nil
}

func (c *Config) applyDataDir() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "offline.db")
	}

	if c.BooksDir == "" {
		c.BooksDir = filepath.Join(c.DataDir, "books")
	}

	if c.ThumbnailsDir == "" {
		c.ThumbnailsDir = filepath.Join(c.DataDir, "thumbnails")
	}

	if c.TokensFile == "" {
		c.TokensFile = filepath.Join(c.DataDir, "tokens.yaml")
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
