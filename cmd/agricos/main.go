// Package main implements the agricos command: a ChirpStack uplink
// ingestion service that decodes station frames from NATS and stores them
// in PostgreSQL or Supabase.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/viefmoon/chirpstack-agricos/config"
)

// Build information, overridden with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "agricos"

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "agricos - field station telemetry ingestion",
		Long: `agricos subscribes to ChirpStack uplinks on NATS, decodes the compact
station frames they carry and writes stations, devices, sensors and readings
to PostgreSQL or Supabase.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", getEnv("AGRICOS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: AGRICOS_CONFIG)")
	flags.StringVar(&opts.envFile, "env-file", getEnv("AGRICOS_ENV_FILE", ".env"),
		"Optional dotenv file (env: AGRICOS_ENV_FILE)")
	flags.StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: AGRICOS_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "",
		"Log format: json, text (env: AGRICOS_LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(opts),
		newModelsCmd(),
		newDecodeCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig builds the configuration from defaults, the optional file and
// env file, the environment and finally the log flags. Validation is left
// to the caller so flags can adjust the result first.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if o.configPath != "" {
		loader.AddLayer(o.configPath)
	}
	if o.envFile != "" {
		loader.AddEnvFile(o.envFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = strings.ToLower(o.logLevel)
	}
	if o.logFormat != "" {
		cfg.Log.Format = strings.ToLower(o.logFormat)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
