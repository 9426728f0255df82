// Package config loads the chatkeeper server configuration from a TOML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/youssefsiam38/chatkeeper/compaction"
)

// Storage backend names.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPgx      = "pgx"
)

// Environment variables read by Load.
const (
	EnvAPIKey      = "ANTHROPIC_API_KEY"
	EnvBaseURL     = "ANTHROPIC_BASE_URL"
	EnvDatabaseURL = "DATABASE_URL"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the top-level configuration file.
type Config struct {
	Model      ModelConfig       `toml:"model"`
	Storage    StorageConfig     `toml:"storage"`
	Runner     RunnerConfig      `toml:"runner"`
	Compaction compaction.Config `toml:"compaction"`
	Server     ServerConfig      `toml:"server"`
	Log        LogConfig         `toml:"log"`
}

// ModelConfig selects the chat model.
type ModelConfig struct {
	// APIKey is normally taken from ANTHROPIC_API_KEY rather than the file.
	APIKey       string `toml:"api_key,omitempty"`
	BaseURL      string `toml:"base_url,omitempty"`
	Name         string `toml:"name"`
	MaxTokens    int    `toml:"max_tokens"`
	SystemPrompt string `toml:"system_prompt"`
}

// StorageConfig selects the session backend.
type StorageConfig struct {
	// Backend is one of file, memory, sqlite, postgres or pgx.
	Backend string `toml:"backend"`

	// Dir holds one JSONL file per chat for the file backend.
	Dir string `toml:"dir,omitempty"`

	// DSN is the database path or URL for the SQL backends.
	DSN string `toml:"dsn,omitempty"`
}

// RunnerConfig tunes turn execution.
type RunnerConfig struct {
	TurnTimeout       time.Duration `toml:"turn_timeout"`
	ToolTimeout       time.Duration `toml:"tool_timeout"`
	MaxToolIterations int           `toml:"max_tool_iterations"`
	OverflowPatterns  []string      `toml:"overflow_patterns,omitempty"`
	RecoveryNote      string        `toml:"recovery_note,omitempty"`

	// IdleTimeout unloads chats without a turn for this long. Zero keeps
	// every chat loaded.
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `toml:"addr"`
	PromptTimeout   time.Duration `toml:"prompt_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`

	// Format is json or text.
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:      "claude-sonnet-4-5-20250929",
			MaxTokens: 8192,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			Dir:     "sessions",
		},
		Runner: RunnerConfig{
			TurnTimeout:       5 * time.Minute,
			ToolTimeout:       30 * time.Second,
			MaxToolIterations: 10,
			IdleTimeout:       30 * time.Minute,
		},
		Compaction: *compaction.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
		}
	}

	cfg.applyEnv()
	cfg.Compaction.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Model.BaseURL = v
	}
	if c.Storage.DSN == "" && (c.Storage.Backend == BackendPostgres || c.Storage.Backend == BackendPgx) {
		c.Storage.DSN = os.Getenv(EnvDatabaseURL)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("%w: model.name is required", ErrInvalidConfig)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("%w: model.max_tokens must be positive, got %d", ErrInvalidConfig, c.Model.MaxTokens)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("%w: storage.dir is required for the file backend", ErrInvalidConfig)
		}
	case BackendSQLite, BackendPostgres, BackendPgx:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the %s backend", ErrInvalidConfig, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Runner.TurnTimeout < 0 {
		return fmt.Errorf("%w: runner.turn_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Runner.IdleTimeout < 0 {
		return fmt.Errorf("%w: runner.idle_timeout must not be negative", ErrInvalidConfig)
	}
	if c.Runner.ToolTimeout <= 0 {
		return fmt.Errorf("%w: runner.tool_timeout must be positive", ErrInvalidConfig)
	}
	if c.Runner.MaxToolIterations <= 0 {
		return fmt.Errorf("%w: runner.max_tool_iterations must be positive", ErrInvalidConfig)
	}

	if err := c.Compaction.Validate(); err != nil {
		return err
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

// Save writes cfg to path as TOML. The API key is never written.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create with secure permissions (0600 - may contain a database DSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	out := *cfg
	out.Model.APIKey = ""
	if err := toml.NewEncoder(f).Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
