package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func newTestLoader(vars map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = envMap(vars)
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultSubject, cfg.NATS.Subject)
	assert.Equal(t, 100, cfg.Batch.Size)
	assert.Equal(t, 5*time.Second, cfg.Batch.Interval)
	assert.Equal(t, 16, cfg.Ingest.Workers)
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Ingest.FlushTimeout)
	assert.Equal(t, DriverPostgREST, cfg.Store.Driver)
}

func TestLoad_DefaultsRequireStoreCredentials(t *testing.T) {
	_, err := newTestLoader(nil).Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoad_UnprefixedDeploymentVariables(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"MQTT_TOPIC":                "application/+/device/+/event/up",
		"SUPABASE_URL":              "https://abc.supabase.co",
		"SUPABASE_SERVICE_ROLE_KEY": "service-key",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, "application.*.device.*.event.up", cfg.NATS.Subject)
	assert.Equal(t, DriverPostgREST, cfg.Store.Driver)
	assert.Equal(t, "https://abc.supabase.co", cfg.Store.URL)
	assert.Equal(t, "service-key", cfg.Store.APIKey)
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"DATABASE_URL": "postgres://agricos:pw@db:5432/agricos?sslmode=disable",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://agricos:pw@db:5432/agricos?sslmode=disable", cfg.Store.DSN)
}

func TestLoad_PrefixedOverridesWin(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"MQTT_TOPIC":                   "application/+/device/+/event/up",
		"AGRICOS_NATS_SUBJECT":         "agricos.uplinks",
		"AGRICOS_NATS_URLS":            "nats://a:4222, nats://b:4222",
		"AGRICOS_STORE_DRIVER":         "memory",
		"AGRICOS_BATCH_SIZE":           "250",
		"AGRICOS_BATCH_INTERVAL":       "2500",
		"AGRICOS_INGEST_WORKERS":       "4",
		"AGRICOS_INGEST_FLUSH_TIMEOUT": "45s",
		"AGRICOS_METRICS_ENABLED":      "false",
		"AGRICOS_LOG_LEVEL":            "debug",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, "agricos.uplinks", cfg.NATS.Subject)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 250, cfg.Batch.Size)
	assert.Equal(t, 2500*time.Millisecond, cfg.Batch.Interval)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 45*time.Second, cfg.Ingest.FlushTimeout)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := newTestLoader(map[string]string{
		"AGRICOS_STORE_DRIVER": "memory",
		"AGRICOS_BATCH_SIZE":   "lots",
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGRICOS_BATCH_SIZE")
}

func TestLoad_YAMLLayer(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agricos.yaml", `
nats:
  urls: ["nats://broker:4222"]
  stream: UPLINKS
  consumer: agricos
  reconnect_wait: 3s
store:
  driver: memory
batch:
  size: 50
  interval: 1500
ingest:
  workers: 8
`)

	l := newTestLoader(nil)
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://broker:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "UPLINKS", cfg.NATS.Stream)
	assert.Equal(t, 3*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 50, cfg.Batch.Size)
	assert.Equal(t, 1500*time.Millisecond, cfg.Batch.Interval)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Ingest.FlushTimeout)
	assert.Equal(t, DefaultSubject, cfg.NATS.Subject)
}

func TestLoad_JSONLayersMergeInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.json", `{"store":{"driver":"memory"},"batch":{"size":10,"interval":"1s"}}`)
	override := writeFile(t, dir, "override.json", `{"batch":{"size":20}}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Batch.Size)
	assert.Equal(t, time.Second, cfg.Batch.Interval)
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown extension", "agricos.toml", `x = 1`},
		{"malformed json", "bad.json", `{"batch":`},
		{"bad duration", "dur.json", `{"batch":{"interval":"soon"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(map[string]string{"AGRICOS_STORE_DRIVER": "memory"})
			l.AddLayer(writeFile(t, dir, tt.file, tt.body))
			_, err := l.Load()
			assert.Error(t, err)
		})
	}

	l := newTestLoader(nil)
	l.AddLayer("../outside.json")
	_, err := l.Load()
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, ".env", "SUPABASE_URL=https://env.supabase.co\nSUPABASE_SERVICE_ROLE_KEY=from-file\n")

	l := newTestLoader(map[string]string{"SUPABASE_SERVICE_ROLE_KEY": "from-process"})
	l.AddEnvFile(envPath)
	l.AddEnvFile(filepath.Join(dir, "missing.env"))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://env.supabase.co", cfg.Store.URL)
	assert.Equal(t, "from-process", cfg.Store.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Store.Driver = DriverMemory
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no urls", func(c *Config) { c.NATS.URLs = nil }},
		{"bad scheme", func(c *Config) { c.NATS.URLs = []string{"http://x"} }},
		{"empty subject", func(c *Config) { c.NATS.Subject = "" }},
		{"inner full wildcard", func(c *Config) { c.NATS.Subject = "a.>.b" }},
		{"partial wildcard", func(c *Config) { c.NATS.Subject = "a.b*" }},
		{"stream without consumer", func(c *Config) { c.NATS.Stream = "UPLINKS" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }},
		{"zero interval", func(c *Config) { c.Batch.Interval = 0 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"zero flush timeout", func(c *Config) { c.Ingest.FlushTimeout = 0 }},
		{"bad port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestTopicToSubject(t *testing.T) {
	assert.Equal(t, "application.*.device.*.event.up", TopicToSubject("application/+/device/+/event/up"))
	assert.Equal(t, "application.>", TopicToSubject("application/#"))
	assert.Equal(t, "a.b", TopicToSubject("/a/b/"))
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "pw"
	cfg.Store.APIKey = "service-key"
	cfg.Store.DSN = "postgres://agricos:secret@db:5432/agricos"

	out := cfg.String()
	assert.NotContains(t, out, "service-key")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "postgres://agricos:***@db:5432/agricos")
	// Original untouched.
	assert.Equal(t, "service-key", cfg.Store.APIKey)
}
