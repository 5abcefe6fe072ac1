package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, BackendMemory, cfg.Blob.Backend)
	require.True(t, cfg.Review.RequireManual)
	require.InDelta(t, 0.6, cfg.Parser.ConfidenceThreshold, 1e-9)
	require.Equal(t, 500, cfg.Importer.SampleSize)
	require.Equal(t, 5, cfg.Dashboard.TopErrors)
	require.Equal(t, 100, cfg.Dashboard.ErrorSample)
	require.Equal(t, []string{"pdf", "doc", "docx"}, cfg.Crawler.FileTypes)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, time.UTC, cfg.Location())
	require.Equal(t, 24*time.Hour, time.Duration(cfg.Robots.TTLMinutes)*time.Minute)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  user_agent: exam-bot
  max_pages: 20
  file_types: [pdf]
http:
  timeout_seconds: 30
scheduler:
  tick_interval_seconds: 10
  timezone: Asia/Shanghai
storage:
  backend: postgres
db:
  dsn: postgres://localhost/harvester
blob:
  backend: gcs
  gcs_bucket: captures
review:
  require_manual: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "exam-bot", cfg.Crawler.UserAgent)
	require.Equal(t, []string{"pdf"}, cfg.Crawler.FileTypes)
	require.Equal(t, BackendPostgres, cfg.Storage.Backend)
	require.Equal(t, "captures", cfg.Blob.GCSBucket)
	require.False(t, cfg.Review.RequireManual)
	require.Equal(t, 10*time.Second, cfg.TickInterval())
	require.Equal(t, "Asia/Shanghai", cfg.Location().String())
}

func TestLoadEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("HARVESTER_SERVER_PORT=7070\n"), 0o600))
	t.Setenv("HARVESTER_LOGS_RETENTION_DAYS", "7")
	t.Cleanup(func() { _ = os.Unsetenv("HARVESTER_SERVER_PORT") })

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 7, cfg.Logs.RetentionDays)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	t.Parallel()

	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "no pages", mutate: func(c *Config) { c.Crawler.MaxPages = 0 }, want: "crawler.max_pages"},
		{name: "robots slower than fetch", mutate: func(c *Config) { c.Robots.TimeoutSeconds = 20 }, want: "robots.timeout_seconds"},
		{name: "unknown timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = BackendPostgres }, want: "db.dsn"},
		{name: "unknown store", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }, want: "storage.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Blob.Backend = BackendGCS }, want: "blob.gcs_bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Blob.Backend = BackendLocal }, want: "blob.local_dir"},
		{name: "pubsub without project", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
		{name: "threshold out of range", mutate: func(c *Config) { c.Parser.ConfidenceThreshold = 1.5 }, want: "parser.confidence_threshold"},
		{name: "sample too large", mutate: func(c *Config) { c.Importer.SampleSize = 501 }, want: "importer.sample_size"},
		{name: "zero retention", mutate: func(c *Config) { c.Logs.RetentionDays = 0 }, want: "logs.retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
