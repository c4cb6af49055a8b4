package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// EnvPrefix prefixes every agricos environment override.
const EnvPrefix = "AGRICOS"

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatJSON
	formatYAML
)

func formatOf(path string) fileFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatUnknown
	}
}

// durationKeys lists the dotted paths holding durations. File values may be
// Go duration strings ("5s") or plain numbers in milliseconds.
var durationKeys = [][]string{
	{"nats", "reconnect_wait"},
	{"nats", "timeout"},
	{"nats", "drain_timeout"},
	{"nats", "message_timeout"},
	{"store", "timeout"},
	{"batch", "interval"},
	{"ingest", "shutdown_timeout"},
	{"ingest", "flush_timeout"},
	{"metrics", "health_interval"},
	{"retry", "initial_delay"},
	{"retry", "max_delay"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	envFiles   []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a JSON or YAML file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// AddEnvFile loads a .env file before environment overrides are applied.
// Variables already present in the process environment take precedence.
// A missing file is ignored.
func (l *Loader) AddEnvFile(path string) {
	l.envFiles = append(l.envFiles, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	for _, path := range l.envFiles {
		if err := l.loadEnvFile(path); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load env file "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadEnvFile merges a .env file into the lookup without touching the
// process environment.
func (l *Loader) loadEnvFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	next := l.lookupEnv
	l.lookupEnv = func(key string) (string, bool) {
		if v, ok := next(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}
	return nil
}

// loadRaw reads a file layer into a generic map with durations normalized.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch formatOf(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validateDepth(raw, 0); err != nil {
		return nil, err
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations rewrites duration values to nanoseconds so they decode
// into time.Duration fields.
func parseDurations(raw map[string]any) error {
	for _, key := range durationKeys {
		section, ok := raw[key[0]].(map[string]any)
		if !ok {
			continue
		}
		v, ok := section[key[1]]
		if !ok || v == nil {
			continue
		}
		d, err := toDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(key, "."), err)
		}
		section[key[1]] = d.Nanoseconds()
	}
	return nil
}

func toDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return parseDuration(t)
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}

// parseDuration accepts a Go duration or a bare integer in milliseconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overrides only the fields present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies AGRICOS_* variables, then the unprefixed
// variables shared with the ChirpStack deployment for anything the
// prefixed ones left unset.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	e := envReader{lookup: l.lookupEnv, prefix: l.envPrefix + "_"}

	if topic, ok := e.raw("MQTT_TOPIC"); ok && topic != "" {
		cfg.NATS.Subject = TopicToSubject(topic)
	}
	supabaseURL, hasSupabase := e.raw("SUPABASE_URL")
	if hasSupabase && supabaseURL != "" {
		cfg.Store.URL = supabaseURL
		cfg.Store.Driver = DriverPostgREST
	}
	if key, ok := e.raw("SUPABASE_SERVICE_ROLE_KEY"); ok && key != "" {
		cfg.Store.APIKey = key
	}
	if dsn, ok := e.raw("DATABASE_URL"); ok && dsn != "" {
		cfg.Store.DSN = dsn
		if !hasSupabase || supabaseURL == "" {
			cfg.Store.Driver = DriverPostgres
		}
	}

	if v, ok := e.str("NATS_URLS"); ok {
		cfg.NATS.URLs = splitList(v)
	}
	e.setStr("NATS_SUBJECT", &cfg.NATS.Subject)
	e.setStr("NATS_STREAM", &cfg.NATS.Stream)
	e.setStr("NATS_CONSUMER", &cfg.NATS.Consumer)
	e.setBool("NATS_CREATE_STREAM", &cfg.NATS.CreateStream)
	e.setStr("NATS_NAME", &cfg.NATS.Name)
	e.setStr("NATS_USERNAME", &cfg.NATS.Username)
	e.setStr("NATS_PASSWORD", &cfg.NATS.Password)
	e.setStr("NATS_TOKEN", &cfg.NATS.Token)
	e.setStr("NATS_CREDS_FILE", &cfg.NATS.CredsFile)
	e.setInt("NATS_MAX_RECONNECTS", &cfg.NATS.MaxReconnects)

	e.setStr("STORE_DRIVER", &cfg.Store.Driver)
	e.setStr("STORE_DSN", &cfg.Store.DSN)
	e.setStr("STORE_URL", &cfg.Store.URL)
	e.setStr("STORE_API_KEY", &cfg.Store.APIKey)
	e.setDuration("STORE_TIMEOUT", &cfg.Store.Timeout)
	e.setInt("STORE_MAX_OPEN_CONNS", &cfg.Store.MaxOpenConns)

	e.setInt("BATCH_SIZE", &cfg.Batch.Size)
	e.setDuration("BATCH_INTERVAL", &cfg.Batch.Interval)

	e.setInt("INGEST_WORKERS", &cfg.Ingest.Workers)
	e.setInt("INGEST_QUEUE_SIZE", &cfg.Ingest.QueueSize)
	e.setDuration("INGEST_SHUTDOWN_TIMEOUT", &cfg.Ingest.ShutdownTimeout)
	e.setDuration("INGEST_FLUSH_TIMEOUT", &cfg.Ingest.FlushTimeout)

	e.setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.setInt("METRICS_PORT", &cfg.Metrics.Port)
	e.setStr("METRICS_PATH", &cfg.Metrics.Path)

	e.setStr("LOG_LEVEL", &cfg.Log.Level)
	e.setStr("LOG_FORMAT", &cfg.Log.Format)

	e.setInt("RETRY_MAX_RETRIES", &cfg.Retry.MaxRetries)

	return e.err
}

// envReader collects the first conversion error instead of failing each call.
type envReader struct {
	lookup func(string) (string, bool)
	prefix string
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	if err := validateEnvVar(key, v); err != nil && e.err == nil {
		e.err = err
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string) (string, bool) {
	v, ok := e.raw(e.prefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) setStr(key string, dst *string) {
	if v, ok := e.str(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", e.prefix, key, err)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
