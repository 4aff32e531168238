package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config dir at a temp dir and clears overrides that
// the developer's shell might set.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FREIGHTDESK_CONFIG_DIR", dir)
	for _, name := range []string{
		"DATABASE_URL", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
		"DB_MAX_CONNS", "DB_MIN_CONNS",
		"FREIGHTDESK_DATABASE_URL", "FREIGHTDESK_REDIS_ADDR", "FREIGHTDESK_REDIS_DB", "FREIGHTDESK_REDIS_EVENTS",
		"FREIGHTDESK_AI_ENABLED", "FREIGHTDESK_AI_ENDPOINT", "FREIGHTDESK_AI_MODEL", "FREIGHTDESK_AI_THRESHOLD",
		"FREIGHTDESK_RULES_PATH", "FREIGHTDESK_WORKERS", "FREIGHTDESK_QUEUE",
		"FREIGHTDESK_HTTP_ADDR", "FREIGHTDESK_GRPC_ADDR", "FREIGHTDESK_LOG_LEVEL", "FREIGHTDESK_LOG_FORMAT",
		"FREIGHTDESK_LOCKS_BACKEND", "FREIGHTDESK_OUTPUT_FORMAT",
	} {
		t.Setenv(name, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestDefaultConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()

	assert.Equal(t, OutputFormatText, cfg.OutputFormat)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "resolution", cfg.Workers.Queue)
	assert.Equal(t, LockBackendPostgres, cfg.Locks.Backend)
	assert.False(t, cfg.AI.Enabled)
	assert.Empty(t, cfg.Rules.Path)
	require.NoError(t, cfg.Validate())
}

func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"xml", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.IsValid())
		})
	}
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), `
database:
  host: db.internal
  name: freight
ai:
  enabled: true
  model: gpt-4.1-mini
  timeout: 45s
  threshold: 70
workers:
  count: 8
  visibility_timeout: 5m
rules:
  path: /etc/freightdesk/rules.yaml
  reload_interval: 1m
locks:
  backend: redis
  ttl: 2m
output_format: json
`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "freight", cfg.Database.Name)
	assert.Equal(t, 5432, cfg.Database.Port, "unset keys keep defaults")
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "gpt-4.1-mini", cfg.AI.Model)
	assert.Equal(t, 45*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 70, cfg.AI.Threshold)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 5*time.Minute, cfg.Workers.VisibilityTimeout)
	assert.Equal(t, "/etc/freightdesk/rules.yaml", cfg.Rules.Path)
	assert.Equal(t, time.Minute, cfg.Rules.ReloadInterval)
	assert.Equal(t, LockBackendRedis, cfg.Locks.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, OutputFormatJSON, cfg.OutputFormat)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, `
redis:
  addr: redis-file:6379
workers:
  count: 2
log:
  level: warn
`)
	t.Setenv("FREIGHTDESK_REDIS_ADDR", "redis-env:6379")
	t.Setenv("FREIGHTDESK_WORKERS", "6")
	t.Setenv("FREIGHTDESK_AI_ENABLED", "true")
	t.Setenv("FREIGHTDESK_LOG_LEVEL", "debug")
	t.Setenv("FREIGHTDESK_OUTPUT_FORMAT", "yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 6, cfg.Workers.Count)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, OutputFormatYAML, cfg.OutputFormat)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	isolate(t)
	t.Setenv("FREIGHTDESK_WORKERS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "FREIGHTDESK_WORKERS")
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	writeFile(t, path, "workers: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"output format", func(c *Config) { c.OutputFormat = "xml" }, "output_format"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "logfmt" }, "log.format"},
		{"lock backend", func(c *Config) { c.Locks.Backend = "etcd" }, "locks.backend"},
		{"redis lock ttl", func(c *Config) { c.Locks.Backend = LockBackendRedis; c.Locks.TTL = 0 }, "locks.ttl"},
		{"threshold", func(c *Config) { c.AI.Threshold = 101 }, "ai.threshold"},
		{"ai model", func(c *Config) { c.AI.Enabled = true; c.AI.Model = "" }, "ai.model"},
		{"ai rate", func(c *Config) { c.AI.Enabled = true; c.AI.RatePerSecond = 0 }, "rate_per_second"},
		{"workers", func(c *Config) { c.Workers.Count = 0 }, "workers.count"},
		{"page size", func(c *Config) { c.Backfill.PageSize = 0 }, "page_size"},
		{"concurrency", func(c *Config) { c.Backfill.Concurrency = 0 }, "concurrency"},
		{"db conns", func(c *Config) { c.Database.MaxConns = 1; c.Database.MinConns = 5 }, "connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestSectionConversions(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Database.Host = "db.internal"
	cfg.Workers.Queue = "priority"
	cfg.Workers.MaxRetries = 5

	dbCfg := cfg.Database.DB()
	assert.Equal(t, "db.internal", dbCfg.Host)
	assert.Equal(t, "freightdesk", dbCfg.Database)

	t.Setenv("DB_HOST", "db.env")
	assert.Equal(t, "db.env", cfg.Database.DB().Host)

	qc := cfg.Workers.QueueConfig()
	assert.Equal(t, "priority", qc.Name)
	assert.Equal(t, 2*time.Minute, qc.VisibilityTimeout)
	assert.Equal(t, 5, qc.Retry.MaxRetries)

	pc := cfg.Workers.Pool()
	assert.Equal(t, 4, pc.Count)
	assert.Equal(t, 90*time.Second, pc.JobTimeout)

	bc := cfg.Backfill.Runner()
	assert.Equal(t, "default", bc.CheckpointName)

	sc := cfg.Server.Server()
	assert.Equal(t, ":8080", sc.HTTPAddr)
	assert.Equal(t, ":9090", sc.GRPCAddr)

	assert.Equal(t, 3, cfg.AI.RetryPolicy().MaxRetries)
}

func TestSave_RoundTrip(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.AI.Enabled = true
	cfg.Workers.Count = 12
	cfg.Rules.ReloadInterval = 90 * time.Second

	require.NoError(t, Save(cfg, ""))

	info, err := os.Stat(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rules.yaml"), expandPath("~/rules.yaml"))
	assert.Equal(t, "/abs/rules.yaml", expandPath("/abs/rules.yaml"))
	assert.Empty(t, expandPath(""))
}
