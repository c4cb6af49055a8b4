// Package config loads the agricos service configuration from defaults,
// an optional JSON or YAML file, an optional .env file and the environment.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// Store drivers
const (
	DriverPostgres  = "postgres"
	DriverPostgREST = "postgrest"
	DriverMemory    = "memory"
)

// DefaultSubject matches ChirpStack uplink events bridged from MQTT.
const DefaultSubject = "application.*.device.*.event.up"

// Config is the complete service configuration.
type Config struct {
	NATS    NATSConfig         `json:"nats" yaml:"nats"`
	Store   StoreConfig        `json:"store" yaml:"store"`
	Batch   BatchConfig        `json:"batch" yaml:"batch"`
	Ingest  IngestConfig       `json:"ingest" yaml:"ingest"`
	Metrics MetricsConfig      `json:"metrics" yaml:"metrics"`
	Log     LogConfig          `json:"log" yaml:"log"`
	Retry   errors.RetryConfig `json:"retry" yaml:"retry"`
}

// NATSConfig configures the uplink subscription.
type NATSConfig struct {
	URLs           []string      `json:"urls" yaml:"urls"`
	Subject        string        `json:"subject" yaml:"subject"`
	Stream         string        `json:"stream,omitempty" yaml:"stream,omitempty"`
	Consumer       string        `json:"consumer,omitempty" yaml:"consumer,omitempty"`
	CreateStream   bool          `json:"create_stream,omitempty" yaml:"create_stream,omitempty"`
	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`
	Username       string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token          string        `json:"token,omitempty" yaml:"token,omitempty"`
	CredsFile      string        `json:"creds_file,omitempty" yaml:"creds_file,omitempty"`
	MaxReconnects  int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	MessageTimeout time.Duration `json:"message_timeout" yaml:"message_timeout"`
	TLS            TLSConfig     `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig holds client TLS files.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	URL          string        `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey       string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	PageSize     int           `json:"page_size" yaml:"page_size"`
}

// BatchConfig holds the batch writer thresholds.
type BatchConfig struct {
	Size     int           `json:"size" yaml:"size"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// IngestConfig sizes the processing worker pool.
type IngestConfig struct {
	Workers         int           `json:"workers" yaml:"workers"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// FlushTimeout bounds the final flush, which starts after the drain.
	FlushTimeout time.Duration `json:"flush_timeout" yaml:"flush_timeout"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Port           int           `json:"port" yaml:"port"`
	Path           string        `json:"path" yaml:"path"`
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Subject:        DefaultSubject,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			Timeout:        5 * time.Second,
			DrainTimeout:   30 * time.Second,
			MessageTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:       DriverPostgREST,
			Timeout:      10 * time.Second,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			PageSize:     1000,
		},
		Batch: BatchConfig{
			Size:     100,
			Interval: 5 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:         16,
			QueueSize:       1024,
			ShutdownTimeout: 30 * time.Second,
			FlushTimeout:    30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Port:           9090,
			Path:           "/metrics",
			HealthInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Retry: errors.DefaultRetryConfig(),
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") &&
			!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return invalid("nats url %q has unsupported scheme", u)
		}
	}
	if err := validateSubject(c.NATS.Subject); err != nil {
		return invalid("nats.subject: %v", err)
	}
	if c.NATS.Stream != "" && c.NATS.Consumer == "" {
		return invalid("nats.consumer is required when nats.stream is set")
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for driver %s", DriverPostgres)
		}
	case DriverPostgREST:
		if c.Store.URL == "" || c.Store.APIKey == "" {
			return invalid("store.url and store.api_key are required for driver %s", DriverPostgREST)
		}
	case DriverMemory:
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return invalid("store.timeout must be positive")
	}
	if c.Store.PageSize <= 0 {
		return invalid("store.page_size must be positive")
	}

	if c.Batch.Size <= 0 {
		return invalid("batch.size must be positive")
	}
	if c.Batch.Interval <= 0 {
		return invalid("batch.interval must be positive")
	}

	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return invalid("ingest.workers and ingest.queue_size must be positive")
	}
	if c.Ingest.ShutdownTimeout <= 0 {
		return invalid("ingest.shutdown_timeout must be positive")
	}
	if c.Ingest.FlushTimeout <= 0 {
		return invalid("ingest.flush_timeout must be positive")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}

	if c.Retry.MaxRetries < 0 {
		return invalid("retry.max_retries must not be negative")
	}
	return nil
}

// validateSubject checks a NATS subject with optional wildcards.
func validateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("empty subject")
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("empty token in %q", subject)
		case tok == ">" && i != len(tokens)-1:
			return fmt.Errorf("'>' must be the last token in %q", subject)
		case strings.ContainsAny(tok, " \t\r\n"):
			return fmt.Errorf("whitespace in %q", subject)
		case tok != "*" && tok != ">" && strings.ContainsAny(tok, "*>"):
			return fmt.Errorf("partial wildcard in %q", subject)
		}
	}
	return nil
}

// TopicToSubject converts an MQTT topic filter to the NATS subject the
// server's MQTT gateway publishes it on.
func TopicToSubject(topic string) string {
	tokens := strings.Split(strings.Trim(topic, "/"), "/")
	for i, tok := range tokens {
		switch tok {
		case "+":
			tokens[i] = "*"
		case "#":
			tokens[i] = ">"
		}
	}
	return strings.Join(tokens, ".")
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&out.NATS.Password)
	mask(&out.NATS.Token)
	mask(&out.Store.APIKey)
	if out.Store.DSN != "" {
		out.Store.DSN = redactDSN(out.Store.DSN)
	}
	return &out
}

// String returns the redacted configuration as JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// redactDSN masks the password of a URL-form DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "***"
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(userinfo, ":")
	return scheme + "://" + user + ":***@" + host
}
