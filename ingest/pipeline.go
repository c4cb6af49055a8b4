// Package ingest turns uplink payloads into reconciled reference rows and
// queued readings. Pipeline handles one message; Service feeds it from
// NATS through a bounded worker pool.
package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/frame"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// serviceName labels the pipeline's core metrics.
const serviceName = "ingest"

// Outcome labels for processed messages.
const (
	StatusOK          = "ok"
	StatusDecodeError = "decode_error"
	StatusDeviceError = "device_error"
	StatusPanic       = "panic"
)

// Reasons for sub-readings dropped after decoding.
const (
	ReasonSensorTypeFailed = "sensor_type_failed"
	ReasonSensorFailed     = "sensor_failed"
)

// ErrPanic marks a message whose handling panicked.
var ErrPanic = stderrors.New("pipeline panic")

// Reconciler guarantees reference rows exist before dependent rows are
// written.
type Reconciler interface {
	EnsureDevice(ctx context.Context, id, stationID string) error
	EnsureSensorType(ctx context.Context, code string) error
	EnsureSensor(ctx context.Context, id, sensorTypeCode, stationID string) error
}

// Sink accepts fact rows for deferred batch writing.
type Sink interface {
	EnqueueReading(r store.Reading)
	EnqueueVoltage(v store.VoltageReading)
}

// Decoder turns a raw payload into a Frame.
type Decoder interface {
	Decode(payload []byte) (*frame.Frame, error)
}

// Skipped is one sub-reading dropped after decoding.
type Skipped struct {
	SensorID string `json:"sensor_id"`
	Reason   string `json:"reason"`
}

// Result summarizes the handling of one message.
type Result struct {
	Status           string    `json:"status"`
	StationID        string    `json:"station_id,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
	VoltageEnqueued  bool      `json:"voltage_enqueued"`
	ReadingsEnqueued int       `json:"readings_enqueued"`
	Diagnostics      int       `json:"diagnostics"`
	Skipped          []Skipped `json:"skipped,omitempty"`
}

// Pipeline processes one message at a time and is safe for concurrent use
// as long as its Reconciler and Sink are.
type Pipeline struct {
	decoder    Decoder
	reconciler Reconciler
	sink       Sink
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records message outcomes in the core metrics.
func WithMetrics(reg *metric.MetricsRegistry) PipelineOption {
	return func(p *Pipeline) {
		if reg != nil {
			p.metrics = reg.CoreMetrics()
		}
	}
}

// WithDecoder replaces the built-in frame decoder.
func WithDecoder(d Decoder) PipelineOption {
	return func(p *Pipeline) {
		if d != nil {
			p.decoder = d
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(r Reconciler, sink Sink, opts ...PipelineOption) (*Pipeline, error) {
	if r == nil || sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "reconciler and sink")
	}
	p := &Pipeline{
		decoder:    frame.NewDecoder(),
		reconciler: r,
		sink:       sink,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// Handle decodes payload, reconciles its device and sensors and enqueues
// its readings. A returned error means the whole message was rejected;
// per-reading problems are reported in the Result only. Handle never
// panics.
func (p *Pipeline) Handle(ctx context.Context, payload []byte) (res Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while handling message", "panic", r)
			res.Status = StatusPanic
			err = errors.Wrap(fmt.Errorf("%w: %v", ErrPanic, r), "Pipeline", "Handle", "handle message")
		}
		if p.metrics != nil {
			p.metrics.RecordMessageProcessed(serviceName, res.Status)
			p.metrics.RecordProcessingDuration(serviceName, "handle", time.Since(start))
		}
	}()

	f, err := p.decoder.Decode(payload)
	if err != nil {
		res.Status = StatusDecodeError
		var de *frame.DecodeError
		kind := "unknown"
		if stderrors.As(err, &de) {
			kind = de.Kind.String()
		}
		if p.metrics != nil {
			p.metrics.RecordDecodeError(kind)
		}
		p.logger.Warn("Dropped undecodable message", "kind", kind, "size", len(payload), "error", err)
		return res, errors.WrapInvalid(err, "Pipeline", "Handle", "decode frame")
	}

	res.StationID = f.StationID
	res.DeviceID = f.DeviceID
	res.Diagnostics = len(f.Diagnostics)
	log := p.logger.With("station", f.StationID, "device", f.DeviceID)
	if f.Uplink.DevEUI != "" {
		log = log.With("dev_eui", f.Uplink.DevEUI, "f_cnt", f.Uplink.FCnt)
	}

	for _, d := range f.Diagnostics {
		if p.metrics != nil {
			p.metrics.RecordChannelDiagnostic(string(d.Reason))
		}
		log.Warn("Skipped channel value", "diagnostic", d.String())
	}

	if err := p.reconciler.EnsureDevice(ctx, f.DeviceID, f.StationID); err != nil {
		res.Status = StatusDeviceError
		log.Error("Dropped message: device could not be reconciled", "error", err)
		return res, errors.Wrap(err, "Pipeline", "Handle", "ensure device "+f.DeviceID)
	}

	ts := f.TimestampISO()
	if f.Voltage != nil {
		p.sink.EnqueueVoltage(store.VoltageReading{DeviceID: f.DeviceID, VoltageValue: *f.Voltage, Timestamp: ts})
		res.VoltageEnqueued = true
		if p.metrics != nil {
			p.metrics.RecordEnqueued(store.TableVoltageReadings, 1)
		}
	}

	for _, r := range f.Readings {
		if err := p.reconciler.EnsureSensorType(ctx, r.SensorType); err != nil {
			res.Skipped = append(res.Skipped, p.skip(log, r, ReasonSensorTypeFailed, err))
			continue
		}
		if err := p.reconciler.EnsureSensor(ctx, r.SensorID, r.SensorType, f.StationID); err != nil {
			res.Skipped = append(res.Skipped, p.skip(log, r, ReasonSensorFailed, err))
			continue
		}
		p.sink.EnqueueReading(store.Reading{SensorID: r.SensorID, Value: r.Value, Timestamp: ts})
		res.ReadingsEnqueued++
	}
	if p.metrics != nil && res.ReadingsEnqueued > 0 {
		p.metrics.RecordEnqueued(store.TableReadings, res.ReadingsEnqueued)
	}

	res.Status = StatusOK
	log.Debug("Handled message",
		"readings", res.ReadingsEnqueued,
		"skipped", len(res.Skipped),
		"diagnostics", res.Diagnostics,
		"voltage", res.VoltageEnqueued)
	return res, nil
}

func (p *Pipeline) skip(log *slog.Logger, r frame.Reading, reason string, err error) Skipped {
	if p.metrics != nil {
		p.metrics.RecordChannelDiagnostic(reason)
	}
	log.Error("Skipped reading", "sensor", r.SensorID, "sensor_type", r.SensorType, "reason", reason, "error", err)
	return Skipped{SensorID: r.SensorID, Reason: reason}
}
