// Package batch buffers reading rows and writes them to the store in
// batches, triggered by queue size or by a periodic timer.
//
// Delivery is at-most-once: a flush detaches the whole queue before writing
// and a failed write is logged and dropped, never re-queued.
package batch

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/pkg/buffer"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// Config holds flush thresholds.
type Config struct {
	Size     int           `json:"size" yaml:"size"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig flushes at 100 rows or every 5 seconds.
func DefaultConfig() Config {
	return Config{Size: 100, Interval: 5 * time.Second}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "batch", "Validate", "size must be positive")
	}
	if c.Interval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "batch", "Validate", "interval must be positive")
	}
	return nil
}

// TableStats counts flush outcomes for one table.
type TableStats struct {
	Flushes       int64 `json:"flushes"`
	FailedFlushes int64 `json:"failed_flushes"`
	Rows          int64 `json:"rows"`
	DroppedRows   int64 `json:"dropped_rows"`
	Pending       int   `json:"pending"`
}

type tableCounters struct {
	flushes       atomic.Int64
	failedFlushes atomic.Int64
	rows          atomic.Int64
	droppedRows   atomic.Int64
}

// Writer owns the readings and voltage queues.
type Writer struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	readings *buffer.Queue[store.Reading]
	voltages *buffer.Queue[store.VoltageReading]

	readingStats tableCounters
	voltageStats tableCounters
	metrics      *writerMetrics

	flushes sync.WaitGroup

	mu sync.Mutex
	// baseCtx is used by size-triggered and timer flushes.
	baseCtx context.Context
	started bool
	cancel  context.CancelFunc
	loop    chan struct{}
}

// Option configures a Writer.
type Option func(*writerOptions)

type writerOptions struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *writerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics exports queue and flush metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(o *writerOptions) { o.registry = reg }
}

// NewWriter creates a Writer. Start enables the timer; size-triggered
// flushes work without it.
func NewWriter(st store.Store, cfg Config, opts ...Option) (*Writer, error) {
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Writer", "NewWriter", "nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &writerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	var readingOpts, voltageOpts []buffer.Option
	readingOpts = append(readingOpts, buffer.WithCapacityHint(cfg.Size))
	voltageOpts = append(voltageOpts, buffer.WithCapacityHint(cfg.Size))
	if o.registry != nil {
		readingOpts = append(readingOpts, buffer.WithMetrics(o.registry, store.TableReadings))
		voltageOpts = append(voltageOpts, buffer.WithMetrics(o.registry, store.TableVoltageReadings))
	}

	readings, err := buffer.NewQueue[store.Reading](readingOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Writer", "NewWriter", "create readings queue")
	}
	voltages, err := buffer.NewQueue[store.VoltageReading](voltageOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Writer", "NewWriter", "create voltage queue")
	}

	w := &Writer{
		store:    st,
		cfg:      cfg,
		logger:   o.logger.With("component", "batch-writer"),
		readings: readings,
		voltages: voltages,
		baseCtx:  context.Background(),
	}

	if o.registry != nil {
		m, err := newWriterMetrics(o.registry)
		if err != nil {
			return nil, errors.Wrap(err, "Writer", "NewWriter", "register metrics")
		}
		w.metrics = m
	}
	return w, nil
}

// EnqueueReading queues a sensor reading. Reaching the size threshold
// starts a background flush of the readings queue.
func (w *Writer) EnqueueReading(r store.Reading) {
	if w.readings.Push(r) >= w.cfg.Size {
		w.flushAsync(w.flushReadings)
	}
}

// EnqueueVoltage queues a voltage reading. Reaching the size threshold
// starts a background flush of the voltage queue.
func (w *Writer) EnqueueVoltage(v store.VoltageReading) {
	if w.voltages.Push(v) >= w.cfg.Size {
		w.flushAsync(w.flushVoltages)
	}
}

func (w *Writer) flushAsync(fn func(context.Context) error) {
	w.flushes.Add(1)
	go func() {
		defer w.flushes.Done()
		_ = fn(w.backgroundContext())
	}()
}

func (w *Writer) backgroundContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseCtx
}

// Wait blocks until every background flush started so far has finished.
func (w *Writer) Wait() {
	w.flushes.Wait()
}

// Flush writes both queues now. Failed batches are dropped; the joined
// write errors are returned for information.
func (w *Writer) Flush(ctx context.Context) error {
	return stderrors.Join(w.flushReadings(ctx), w.flushVoltages(ctx))
}

func (w *Writer) flushReadings(ctx context.Context) error {
	return flushQueue(ctx, w, store.TableReadings, w.readings, &w.readingStats)
}

func (w *Writer) flushVoltages(ctx context.Context) error {
	return flushQueue(ctx, w, store.TableVoltageReadings, w.voltages, &w.voltageStats)
}

func flushQueue[T store.Rower](ctx context.Context, w *Writer, table string, q *buffer.Queue[T], c *tableCounters) error {
	batch := q.Detach()
	if len(batch) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	start := time.Now()
	err := w.store.Insert(ctx, table, store.Rows(batch))
	elapsed := time.Since(start)

	c.flushes.Add(1)
	if err != nil {
		c.failedFlushes.Add(1)
		c.droppedRows.Add(int64(len(batch)))
		w.metrics.observe(table, "error", len(batch), elapsed)
		w.logger.Error("Batch write failed, dropping batch",
			"table", table, "batch_size", len(batch), "batch_id", batchID, "error", err)
		return errors.WrapTransient(err, "Writer", "Flush", "insert "+table)
	}

	c.rows.Add(int64(len(batch)))
	w.metrics.observe(table, "ok", len(batch), elapsed)
	w.logger.Debug("Batch written", "table", table, "batch_size", len(batch), "batch_id", batchID,
		"duration", elapsed)
	return nil
}

// Start runs the periodic flush until Stop or ctx cancellation. Background
// flushes keep running after ctx is cancelled so Stop can drain them.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Writer", "Start", "start timer")
	}

	w.baseCtx = context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loop = make(chan struct{})
	w.started = true

	go w.run(loopCtx, w.baseCtx, w.loop)
	w.logger.Info("Batch writer started", "size", w.cfg.Size, "interval", w.cfg.Interval)
	return nil
}

func (w *Writer) run(ctx, flushCtx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.Flush(flushCtx)
		}
	}
}

// Stop halts the timer, waits for background flushes and performs one
// final synchronous flush of both queues with ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.cancel()
		<-w.loop
		w.started = false
	}
	w.mu.Unlock()

	w.flushes.Wait()

	pendingReadings, pendingVoltages := w.readings.Len(), w.voltages.Len()
	err := w.Flush(ctx)
	w.logger.Info("Batch writer stopped", "final_readings", pendingReadings,
		"final_voltages", pendingVoltages, "error", err)
	return err
}

// Stats returns per-table flush counters keyed by table name.
func (w *Writer) Stats() map[string]TableStats {
	snap := func(c *tableCounters, pending int) TableStats {
		return TableStats{
			Flushes:       c.flushes.Load(),
			FailedFlushes: c.failedFlushes.Load(),
			Rows:          c.rows.Load(),
			DroppedRows:   c.droppedRows.Load(),
			Pending:       pending,
		}
	}
	return map[string]TableStats{
		store.TableReadings:        snap(&w.readingStats, w.readings.Len()),
		store.TableVoltageReadings: snap(&w.voltageStats, w.voltages.Len()),
	}
}

type writerMetrics struct {
	flushes  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newWriterMetrics(reg *metric.MetricsRegistry) (*writerMetrics, error) {
	m := &writerMetrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Batch writes by table and outcome",
		}, []string{"table", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "batch",
			Name:      "rows_total",
			Help:      "Rows written or dropped by table and outcome",
		}, []string{"table", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "batch",
			Name:      "flush_duration_seconds",
			Help:      "Store insert latency per batch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
	}
	if err := reg.RegisterCounterVec("batch", "flushes", m.flushes); err != nil {
		return nil, err
	}
	if err := reg.RegisterCounterVec("batch", "rows", m.rows); err != nil {
		return nil, err
	}
	if err := reg.RegisterHistogramVec("batch", "flush_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *writerMetrics) observe(table, status string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(table, status).Inc()
	m.rows.WithLabelValues(table, status).Add(float64(n))
	m.duration.WithLabelValues(table).Observe(d.Seconds())
}
