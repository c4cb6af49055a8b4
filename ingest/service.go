package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/health"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/natsclient"
	"github.com/viefmoon/chirpstack-agricos/pkg/worker"
)

// Status is the lifecycle state of a Service.
type Status int

// Service states, matching the service status gauge.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber delivers raw payloads from the broker.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler natsclient.MessageHandler) error
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	ConsumeStream(ctx context.Context, stream, durable, subject string, handler natsclient.MessageHandler) error
	Unsubscribe() error
}

// BatchWriter is the Sink with a flush lifecycle.
type BatchWriter interface {
	Sink
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config configures a Service.
type Config struct {
	Subject string
	// Stream and Consumer select a JetStream durable consumer instead of a
	// core subscription.
	Stream          string
	Consumer        string
	CreateStream    bool
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	// FlushTimeout bounds the final flush on Stop. It is measured from the
	// end of the drain, so a stalled worker cannot use it up.
	FlushTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Subject == "":
		return errors.WrapInvalid(fmt.Errorf("%w: subject is required", errors.ErrInvalidConfig), "Service", "Validate", "check subject")
	case c.Stream != "" && c.Consumer == "":
		return errors.WrapInvalid(fmt.Errorf("%w: consumer is required with stream", errors.ErrInvalidConfig), "Service", "Validate", "check consumer")
	case c.Workers <= 0 || c.QueueSize <= 0:
		return errors.WrapInvalid(fmt.Errorf("%w: workers and queue size must be positive", errors.ErrInvalidConfig), "Service", "Validate", "check pool")
	}
	return nil
}

// Stats reports intake counters.
type Stats struct {
	Status   string           `json:"status"`
	Uptime   time.Duration    `json:"uptime"`
	Received int64            `json:"received"`
	Rejected int64            `json:"rejected"`
	Failed   int64            `json:"failed"`
	Pool     worker.PoolStats `json:"pool"`
}

// Service subscribes to uplinks and hands each payload to the Pipeline
// through a bounded worker pool. A full queue blocks the broker callback
// until a slot frees or the message deadline passes.
type Service struct {
	cfg      Config
	pipeline *Pipeline
	sub      Subscriber
	writer   BatchWriter
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	pool *worker.Pool[[]byte]

	status    atomic.Int32
	startTime atomic.Value // time.Time
	received  atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64

	mu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceMetrics exports intake and pool metrics.
func WithServiceMetrics(reg *metric.MetricsRegistry) ServiceOption {
	return func(s *Service) {
		if reg != nil {
			s.registry = reg
			s.metrics = reg.CoreMetrics()
		}
	}
}

// NewService creates a stopped Service. Call Initialize before Start.
func NewService(cfg Config, p *Pipeline, sub Subscriber, w BatchWriter, opts ...ServiceOption) (*Service, error) {
	if p == nil || sub == nil || w == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Service", "NewService", "pipeline, subscriber and writer")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	s := &Service{
		cfg:      cfg,
		pipeline: p,
		sub:      sub,
		writer:   w,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ingest-service")
	s.startTime.Store(time.Time{})
	s.setStatus(StatusStopped)
	return s, nil
}

func (s *Service) setStatus(st Status) {
	s.status.Store(int32(st))
	if s.metrics != nil {
		s.metrics.RecordServiceStatus(serviceName, int(st))
	}
}

// Status returns the lifecycle state.
func (s *Service) Status() Status {
	return Status(s.status.Load())
}

// Initialize validates the configuration and builds the worker pool.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.pool != nil {
		return nil
	}

	var opts []worker.Option[[]byte]
	if s.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[[]byte](s.registry, serviceName))
	}
	s.pool = worker.NewPool(s.cfg.Workers, s.cfg.QueueSize, s.process, opts...)
	return nil
}

// Start runs the writer timer, the workers and the subscription. Workers
// and background flushes outlive ctx so Stop can drain them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Service", "Start", "check initialized")
	}
	if s.Status() == StatusRunning {
		return nil
	}
	s.setStatus(StatusStarting)

	if err := s.writer.Start(ctx); err != nil {
		s.setStatus(StatusFailed)
		return errors.Wrap(err, "Service", "Start", "start batch writer")
	}
	if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil {
		s.setStatus(StatusFailed)
		return errors.WrapFatal(err, "Service", "Start", "start worker pool")
	}
	if err := s.subscribe(ctx); err != nil {
		s.setStatus(StatusFailed)
		return err
	}

	s.startTime.Store(time.Now())
	s.setStatus(StatusRunning)
	s.logger.Info("Ingestion started",
		"subject", s.cfg.Subject,
		"stream", s.cfg.Stream,
		"workers", s.cfg.Workers,
		"queue_size", s.cfg.QueueSize)
	return nil
}

func (s *Service) subscribe(ctx context.Context) error {
	if s.cfg.Stream == "" {
		if err := s.sub.Subscribe(ctx, s.cfg.Subject, s.handleMessage); err != nil {
			return errors.Wrap(err, "Service", "Start", "subscribe "+s.cfg.Subject)
		}
		return nil
	}

	if s.cfg.CreateStream {
		_, err := s.sub.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     s.cfg.Stream,
			Subjects: []string{s.cfg.Subject},
		})
		if err != nil {
			return errors.Wrap(err, "Service", "Start", "ensure stream "+s.cfg.Stream)
		}
	}
	if err := s.sub.ConsumeStream(ctx, s.cfg.Stream, s.cfg.Consumer, s.cfg.Subject, s.handleMessage); err != nil {
		return errors.Wrap(err, "Service", "Start", "consume stream "+s.cfg.Stream)
	}
	return nil
}

// handleMessage runs on the broker's delivery goroutine.
func (s *Service) handleMessage(ctx context.Context, data []byte) {
	s.received.Add(1)
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(serviceName)
	}
	if err := s.pool.SubmitWait(ctx, data); err != nil {
		s.rejected.Add(1)
		if s.metrics != nil {
			s.metrics.RecordMessageProcessed(serviceName, "rejected")
		}
		s.logger.Warn("Dropped message before processing", "size", len(data), "error", err)
	}
}

func (s *Service) process(ctx context.Context, data []byte) error {
	if _, err := s.pipeline.Handle(ctx, data); err != nil {
		s.failed.Add(1)
		return err
	}
	return nil
}

// Stop ends intake, drains queued messages within the shutdown timeout and
// then flushes the batch writer within the flush timeout. Messages still
// running when the drain times out are abandoned; the final flush keeps the
// values of ctx but not its deadline or cancellation.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusStopped || st == StatusStopping {
		return nil
	}
	s.setStatus(StatusStopping)

	var errs []error
	if err := s.sub.Unsubscribe(); err != nil {
		errs = append(errs, errors.Wrap(err, "Service", "Stop", "unsubscribe"))
	}
	if s.pool != nil {
		if err := s.pool.Stop(s.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Service", "Stop", "drain worker pool"))
		}
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.writer.Stop(flushCtx); err != nil {
		errs = append(errs, errors.Wrap(err, "Service", "Stop", "final flush"))
	}

	s.setStatus(StatusStopped)
	stats := s.Stats()
	s.logger.Info("Ingestion stopped",
		"received", stats.Received,
		"rejected", stats.Rejected,
		"failed", stats.Failed)
	return stderrors.Join(errs...)
}

// Stats returns a snapshot of intake counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Status:   s.Status().String(),
		Received: s.received.Load(),
		Rejected: s.rejected.Load(),
		Failed:   s.failed.Load(),
	}
	if started, _ := s.startTime.Load().(time.Time); !started.IsZero() && s.Status() == StatusRunning {
		st.Uptime = time.Since(started)
	}
	if s.pool != nil {
		st.Pool = s.pool.Stats()
	}
	return st
}

// Health reports running state and queue saturation.
func (s *Service) Health() health.Status {
	st := s.Stats()
	var h health.Status
	switch {
	case s.Status() != StatusRunning:
		h = health.NewUnhealthy(serviceName, "Service is "+st.Status)
	case st.Pool.QueueSize > 0 && st.Pool.QueueDepth >= st.Pool.QueueSize:
		h = health.NewDegraded(serviceName, "Worker queue is full")
	default:
		h = health.NewHealthy(serviceName, "Service is running")
	}
	return h.WithMetrics(&health.Metrics{
		Uptime:            st.Uptime,
		ErrorCount:        st.Failed + st.Rejected,
		MessagesProcessed: st.Pool.Processed,
	})
}
