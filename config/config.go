// Package config provides configuration management for the freightdesk
// CLI and service. It supports loading configuration from YAML files,
// environment variables, and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/freightdesk/pkg/db"
	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/backfill"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/server"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/workers"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// Lock backends.
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendLocal    = "local"
)

// Default configuration values.
const (
	DefaultOutputFormat = OutputFormatText
	DefaultConfigDir    = ".freightdesk"
	DefaultConfigFile   = "config.yaml"
)

// DatabaseConfig holds PostgreSQL settings. The password is never read
// from the file; it comes from DB_PASSWORD or the credential store.
type DatabaseConfig struct {
	URL      string `yaml:"url,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// DB converts the section to a pkg/db config with DATABASE_URL and DB_*
// overrides applied.
func (c DatabaseConfig) DB() *db.Config {
	cfg := db.DefaultConfig()
	cfg.URL = c.URL
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Name != "" {
		cfg.Database = c.Name
	}
	if c.User != "" {
		cfg.User = c.User
	}
	if c.SSLMode != "" {
		cfg.SSLMode = c.SSLMode
	}
	if c.MaxConns != 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns != 0 {
		cfg.MinConns = c.MinConns
	}
	cfg.ApplyEnv()
	return cfg
}

// RedisConfig holds Redis settings for the queue, locks and events.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
	// Events enables publishing pipeline events to Redis.
	Events bool `yaml:"events"`
}

// AIConfig holds settings for the AI classification fallback.
type AIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxRetries    int           `yaml:"max_retries"`
	Timeout       time.Duration `yaml:"timeout"`
	// Threshold overrides the rulebook's minimum accepted confidence when > 0.
	Threshold int `yaml:"threshold"`
}

// RetryPolicy returns the AI call retry policy.
func (c AIConfig) RetryPolicy() fderrors.RetryPolicy {
	p := fderrors.DefaultRetryPolicy()
	p.MaxRetries = c.MaxRetries
	p.MaxBackoff = 30 * time.Second
	return p
}

// RulesConfig locates the rulebook. An empty path uses the embedded default.
type RulesConfig struct {
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// WorkersConfig holds worker pool and queue settings.
type WorkersConfig struct {
	Count             int           `yaml:"count"`
	Queue             string        `yaml:"queue"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// Pool converts the section to a worker pool config.
func (c WorkersConfig) Pool() workers.Config {
	return workers.Config{
		Count:           c.Count,
		BatchSize:       c.BatchSize,
		PollInterval:    c.PollInterval,
		JobTimeout:      c.JobTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// QueueConfig converts the section to a queue config.
func (c WorkersConfig) QueueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	if c.Queue != "" {
		cfg.Name = c.Queue
	}
	if c.VisibilityTimeout > 0 {
		cfg.VisibilityTimeout = c.VisibilityTimeout
	}
	cfg.Retry.MaxRetries = c.MaxRetries
	return cfg
}

// BackfillConfig holds backfill defaults. Flags override them.
type BackfillConfig struct {
	PageSize    int    `yaml:"page_size"`
	Concurrency int    `yaml:"concurrency"`
	Checkpoint  string `yaml:"checkpoint"`
}

// Runner converts the section to a backfill config.
func (c BackfillConfig) Runner() backfill.Config {
	return backfill.Config{
		PageSize:       c.PageSize,
		Concurrency:    c.Concurrency,
		CheckpointName: c.Checkpoint,
	}
}

// ServerConfig holds the listen addresses of `freightdesk serve`.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// Server converts the section to a server config.
func (c ServerConfig) Server() server.Config {
	cfg := server.DefaultConfig()
	cfg.HTTPAddr = c.HTTPAddr
	cfg.GRPCAddr = c.GRPCAddr
	return cfg
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Logging converts the section to a logger config writing to stderr.
func (c LogConfig) Logging() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.Level(c.Level)
	cfg.Format = logging.Format(c.Format)
	return cfg
}

// LocksConfig selects the per-shipment lock implementation.
type LocksConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	// Timeout bounds how long a pipeline run waits for a lock.
	Timeout time.Duration `yaml:"timeout"`
}

// Config holds the freightdesk configuration.
type Config struct {
	Database     DatabaseConfig `yaml:"database"`
	Redis        RedisConfig    `yaml:"redis"`
	AI           AIConfig       `yaml:"ai"`
	Rules        RulesConfig    `yaml:"rules"`
	Workers      WorkersConfig  `yaml:"workers"`
	Backfill     BackfillConfig `yaml:"backfill"`
	Server       ServerConfig   `yaml:"server"`
	Log          LogConfig      `yaml:"log"`
	Locks        LocksConfig    `yaml:"locks"`
	OutputFormat OutputFormat   `yaml:"output_format"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	dbDefaults := db.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Host:     dbDefaults.Host,
			Port:     dbDefaults.Port,
			Name:     dbDefaults.Database,
			User:     dbDefaults.User,
			SSLMode:  dbDefaults.SSLMode,
			MaxConns: dbDefaults.MaxConns,
			MinConns: dbDefaults.MinConns,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		AI: AIConfig{
			Endpoint:      "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			RatePerSecond: 2,
			Burst:         4,
			MaxRetries:    3,
			Timeout:       30 * time.Second,
		},
		Rules: RulesConfig{
			ReloadInterval: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:             4,
			Queue:             "resolution",
			BatchSize:         1,
			VisibilityTimeout: 2 * time.Minute,
			PollInterval:      time.Second,
			JobTimeout:        90 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxRetries:        3,
		},
		Backfill: BackfillConfig{
			PageSize:    200,
			Concurrency: 4,
			Checkpoint:  "default",
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Log: LogConfig{
			Level:  string(logging.LevelInfo),
			Format: string(logging.FormatAuto),
		},
		Locks: LocksConfig{
			Backend: LockBackendPostgres,
			TTL:     time.Minute,
			Timeout: 30 * time.Second,
		},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $FREIGHTDESK_CONFIG_DIR if set, otherwise ~/.freightdesk
func ConfigDir() (string, error) {
	if dir := os.Getenv("FREIGHTDESK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the default configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// Load loads the configuration. Later sources override earlier:
//  1. Default values
//  2. Config file (path, or ~/.freightdesk/config.yaml when path is empty)
//  3. FREIGHTDESK_* environment variables
//
// An explicit path must exist; the default path is optional.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil || explicit {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg. Keys absent from the file
// keep their current values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Rules.Path = expandPath(cfg.Rules.Path)
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) {
		switch strings.ToLower(os.Getenv(name)) {
		case "true", "1", "yes":
			*dst = true
		case "false", "0", "no":
			*dst = false
		}
	}

	str("FREIGHTDESK_DATABASE_URL", &cfg.Database.URL)
	str("FREIGHTDESK_REDIS_ADDR", &cfg.Redis.Addr)
	if err := num("FREIGHTDESK_REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}
	flag("FREIGHTDESK_REDIS_EVENTS", &cfg.Redis.Events)

	flag("FREIGHTDESK_AI_ENABLED", &cfg.AI.Enabled)
	str("FREIGHTDESK_AI_ENDPOINT", &cfg.AI.Endpoint)
	str("FREIGHTDESK_AI_MODEL", &cfg.AI.Model)
	if err := num("FREIGHTDESK_AI_THRESHOLD", &cfg.AI.Threshold); err != nil {
		return err
	}

	if v := os.Getenv("FREIGHTDESK_RULES_PATH"); v != "" {
		cfg.Rules.Path = expandPath(v)
	}

	if err := num("FREIGHTDESK_WORKERS", &cfg.Workers.Count); err != nil {
		return err
	}
	str("FREIGHTDESK_QUEUE", &cfg.Workers.Queue)

	str("FREIGHTDESK_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("FREIGHTDESK_GRPC_ADDR", &cfg.Server.GRPCAddr)

	str("FREIGHTDESK_LOG_LEVEL", &cfg.Log.Level)
	str("FREIGHTDESK_LOG_FORMAT", &cfg.Log.Format)

	str("FREIGHTDESK_LOCKS_BACKEND", &cfg.Locks.Backend)

	if v := os.Getenv("FREIGHTDESK_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}

	switch logging.Level(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatAuto, logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	switch c.Locks.Backend {
	case LockBackendPostgres, LockBackendRedis, LockBackendLocal:
	default:
		return fmt.Errorf("invalid locks.backend: %q (must be postgres, redis, or local)", c.Locks.Backend)
	}
	if c.Locks.Backend == LockBackendRedis && c.Locks.TTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive for the redis backend")
	}

	if c.AI.Threshold < 0 || c.AI.Threshold > 100 {
		return fmt.Errorf("ai.threshold must be between 0 and 100")
	}
	if c.AI.Enabled {
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model is required when ai is enabled")
		}
		if c.AI.RatePerSecond <= 0 {
			return fmt.Errorf("ai.rate_per_second must be positive")
		}
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Backfill.PageSize < 1 {
		return fmt.Errorf("backfill.page_size must be at least 1")
	}
	if c.Backfill.Concurrency < 1 {
		return fmt.Errorf("backfill.concurrency must be at least 1")
	}

	return c.Database.DB().Validate()
}

// Save writes the configuration to path, or to the default path when
// path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		if err := EnsureConfigDir(); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
