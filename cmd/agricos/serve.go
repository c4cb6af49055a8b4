package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/viefmoon/chirpstack-agricos/batch"
	"github.com/viefmoon/chirpstack-agricos/config"
	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/health"
	"github.com/viefmoon/chirpstack-agricos/ingest"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/natsclient"
	"github.com/viefmoon/chirpstack-agricos/reconcile"
	"github.com/viefmoon/chirpstack-agricos/store"
	"github.com/viefmoon/chirpstack-agricos/store/memstore"
	"github.com/viefmoon/chirpstack-agricos/store/postgres"
	"github.com/viefmoon/chirpstack-agricos/store/postgrest"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var dryRun, validateOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Long: `Connect to NATS and the configured store, preload known identifiers and
ingest uplinks until SIGINT or SIGTERM. Buffered readings are flushed before
exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Store.Driver = config.DriverMemory
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)

			if validateOnly {
				logger.Info("Configuration is valid", "config", cfg.String())
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Keep all rows in memory instead of writing to a store")
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "Validate the configuration and exit")
	return cmd
}

// app holds the running components in start order.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	store   store.Store
	nats    *natsclient.Client
	service *ingest.Service
	monitor *health.Monitor
	server  *metric.Server
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting agricos",
		"version", Version,
		"build_time", BuildTime,
		"store", cfg.Store.Driver,
		"subject", cfg.NATS.Subject)

	a := &app{cfg: cfg, logger: logger, registry: metric.NewMetricsRegistry()}
	if err := a.start(ctx); err != nil {
		_ = a.shutdown()
		return err
	}
	logger.Info("agricos started")

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	if err := a.shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("agricos shutdown complete")
	return nil
}

func (a *app) start(ctx context.Context) error {
	retry := a.cfg.Retry

	if a.store == nil {
		st, err := openStore(a.cfg.Store, a.logger, a.registry)
		if err != nil {
			return err
		}
		a.store = st
	}
	st := a.store

	if err := retry.Retry(ctx, "agricos", "start", "ping store", func() error {
		return st.Ping(ctx)
	}); err != nil {
		return err
	}

	rec, err := reconcile.New(st, reconcile.WithLogger(a.logger), reconcile.WithMetrics(a.registry))
	if err != nil {
		return err
	}
	if err := retry.Retry(ctx, "agricos", "start", "preload identifiers", func() error {
		return rec.Preload(ctx)
	}); err != nil {
		return err
	}

	writer, err := batch.NewWriter(st,
		batch.Config{Size: a.cfg.Batch.Size, Interval: a.cfg.Batch.Interval},
		batch.WithLogger(a.logger), batch.WithMetrics(a.registry))
	if err != nil {
		return err
	}

	pipeline, err := ingest.NewPipeline(rec, writer, ingest.WithLogger(a.logger), ingest.WithMetrics(a.registry))
	if err != nil {
		return err
	}

	nc, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), natsOptions(a.cfg.NATS, a.logger, a.registry)...)
	if err != nil {
		return err
	}
	a.nats = nc
	if err := retry.Retry(ctx, "agricos", "start", "connect to NATS", func() error {
		return nc.Connect(ctx)
	}); err != nil {
		return err
	}

	svc, err := ingest.NewService(ingest.Config{
		Subject:         a.cfg.NATS.Subject,
		Stream:          a.cfg.NATS.Stream,
		Consumer:        a.cfg.NATS.Consumer,
		CreateStream:    a.cfg.NATS.CreateStream,
		Workers:         a.cfg.Ingest.Workers,
		QueueSize:       a.cfg.Ingest.QueueSize,
		ShutdownTimeout: a.cfg.Ingest.ShutdownTimeout,
		FlushTimeout:    a.cfg.Ingest.FlushTimeout,
	}, pipeline, nc, writer, ingest.WithServiceLogger(a.logger), ingest.WithServiceMetrics(a.registry))
	if err != nil {
		return err
	}
	if err := svc.Initialize(); err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	a.service = svc

	a.monitor = newMonitor(a.logger, a.registry, nc, st, svc)
	go a.monitor.Run(ctx, a.cfg.Metrics.HealthInterval)

	if a.cfg.Metrics.Enabled {
		a.server = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry, a.monitor)
		if err := a.server.Start(); err != nil {
			return err
		}
		a.logger.Info("Metrics server listening", "address", a.server.Address())
	}
	return nil
}

// shutdown stops intake first, then the broker connection and the store.
// The service bounds its own drain and final flush; the remaining steps get
// a fresh shutdown timeout so a slow drain cannot starve them.
func (a *app) shutdown() error {
	var errs []error
	if a.service != nil {
		if err := a.service.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Ingest.ShutdownTimeout)
	defer cancel()
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "agricos", "shutdown", "close store"))
		}
	}
	if a.server != nil {
		if err := a.server.Stop(5 * time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func openStore(cfg config.StoreConfig, logger *slog.Logger, reg *metric.MetricsRegistry) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(postgres.Config{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			Timeout:      cfg.Timeout,
		}, postgres.WithLogger(logger), postgres.WithMetrics(reg))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgREST:
		s, err := postgrest.New(postgrest.Config{
			URL:      cfg.URL,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
			PageSize: cfg.PageSize,
		}, postgrest.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		logger.Warn("Using the in-memory store; nothing will be persisted")
		return memstore.New(), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown store driver %q", errors.ErrInvalidConfig, cfg.Driver),
			"agricos", "openStore", "select driver")
	}
}

func natsOptions(cfg config.NATSConfig, logger *slog.Logger, reg *metric.MetricsRegistry) []natsclient.ClientOption {
	name := cfg.Name
	if name == "" {
		name = appName + "-" + uuid.NewString()[:8]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(reg),
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if reg != nil {
		// Keeps the nats health gauge current between monitor runs.
		opts = append(opts, natsclient.WithHealthChangeCallback(func(healthy bool) {
			reg.CoreMetrics().RecordHealthStatus("nats", healthy)
		}))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout))
	}
	if cfg.MessageTimeout > 0 {
		opts = append(opts, natsclient.WithMessageTimeout(cfg.MessageTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.CredsFile != "" {
		opts = append(opts, natsclient.WithCredsFile(cfg.CredsFile))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}
	return opts
}

func newMonitor(
	logger *slog.Logger,
	reg *metric.MetricsRegistry,
	nc *natsclient.Client,
	st store.Store,
	svc *ingest.Service,
) *health.Monitor {
	m := health.NewMonitor(appName, health.WithLogger(logger), health.WithMetrics(reg))
	m.Register("nats", func(context.Context) error {
		if !nc.IsHealthy() {
			return fmt.Errorf("NATS is %s", nc.Status())
		}
		return nil
	}, "Connected")
	m.Register("store", st.Ping, "Reachable")
	m.Register("ingest", func(context.Context) error {
		if h := svc.Health(); h.IsUnhealthy() {
			return stderrors.New(h.Message)
		}
		return nil
	}, "Running")
	return m
}
