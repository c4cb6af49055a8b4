// Package reconcile guarantees that the stations, devices, sensor types and
// sensors referenced by incoming frames exist in the backing store.
//
// Each entity kind has a grow-only existence set, seeded from the store by
// Preload. An Ensure call that finds its identifier in the set returns at
// once; otherwise it issues an insert-if-absent upsert and records the
// identifier only when the upsert succeeds. Concurrent Ensure calls for the
// same identifier share one upsert. Failures are returned, never retried.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/pkg/cache"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// entity pairs an existence set with the collection backing it.
type entity struct {
	table   string
	known   *cache.Set
	flights singleflight.Group
	upserts atomic.Int64
	failed  atomic.Int64
}

// Reconciler owns the four existence sets. It is safe for concurrent use.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger

	stations    *entity
	devices     *entity
	sensorTypes *entity
	sensors     *entity
}

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics exports per-set cache metrics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = reg }
}

// New creates a Reconciler with empty sets. Call Preload before use.
func New(st store.Store, opts ...Option) (*Reconciler, error) {
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reconciler", "New", "nil store")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	r := &Reconciler{store: st, logger: o.logger.With("component", "reconciler")}

	var err error
	for _, e := range []struct {
		dst   **entity
		table string
	}{
		{&r.stations, store.TableStations},
		{&r.devices, store.TableDevices},
		{&r.sensorTypes, store.TableSensorTypes},
		{&r.sensors, store.TableSensors},
	} {
		*e.dst, err = newEntity(e.table, o.registry)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func newEntity(table string, reg *metric.MetricsRegistry) (*entity, error) {
	var setOpts []cache.Option
	if reg != nil {
		setOpts = append(setOpts, cache.WithMetrics(reg, table))
	}
	set, err := cache.NewSet(setOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Reconciler", "New", "create "+table+" set")
	}
	return &entity{table: table, known: set}, nil
}

func (r *Reconciler) entities() []*entity {
	return []*entity{r.stations, r.devices, r.sensorTypes, r.sensors}
}

// Preload seeds every set with the identifiers already in the store. It
// stops at the first failing collection.
func (r *Reconciler) Preload(ctx context.Context) error {
	for _, e := range r.entities() {
		ids, err := r.store.SelectIDs(ctx, e.table)
		if err != nil {
			return errors.WrapTransient(err, "Reconciler", "Preload", "select "+e.table+" ids")
		}
		added := e.known.AddAll(ids)
		r.logger.Info("Preloaded existing identifiers", "table", e.table, "count", added)
	}
	return nil
}

// ensure is the shared check, upsert, record sequence.
func (r *Reconciler) ensure(ctx context.Context, e *entity, method, id string, row func() store.Row) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrEmptyID, "Reconciler", method, "validate "+e.table+" id")
	}
	if e.known.Contains(id) {
		return nil
	}

	_, err, _ := e.flights.Do(id, func() (any, error) {
		// A previous flight may have finished between Contains and Do.
		if e.known.Contains(id) {
			return nil, nil
		}
		e.upserts.Add(1)
		// The flight is shared by every waiting caller, so it must not end
		// when the caller that started it gives up. Store clients apply
		// their own call timeout.
		if err := r.store.Upsert(context.WithoutCancel(ctx), e.table, []store.Row{row()}); err != nil {
			e.failed.Add(1)
			return nil, err
		}
		if _, err := e.known.Add(id); err != nil {
			return nil, err
		}
		r.logger.Debug("Created reference row", "table", e.table, "id", id)
		return nil, nil
	})
	if err != nil {
		r.logger.Error("Reconciliation failed", "table", e.table, "id", id, "error", err)
		return errors.WrapTransient(err, "Reconciler", method, fmt.Sprintf("upsert %s %q", e.table, id))
	}
	return nil
}

// EnsureStation guarantees station id exists.
func (r *Reconciler) EnsureStation(ctx context.Context, id string) error {
	return r.ensure(ctx, r.stations, "EnsureStation", id, func() store.Row {
		return store.NewStation(id).Row()
	})
}

// EnsureSensorType guarantees the sensor type code exists.
func (r *Reconciler) EnsureSensorType(ctx context.Context, code string) error {
	return r.ensure(ctx, r.sensorTypes, "EnsureSensorType", code, func() store.Row {
		return store.NewSensorType(code).Row()
	})
}

// EnsureDevice guarantees the station and then the device exist. A station
// failure is returned without touching the device set.
func (r *Reconciler) EnsureDevice(ctx context.Context, id, stationID string) error {
	if err := r.EnsureStation(ctx, stationID); err != nil {
		return err
	}
	return r.ensure(ctx, r.devices, "EnsureDevice", id, func() store.Row {
		return store.NewDevice(id, stationID).Row()
	})
}

// EnsureSensor guarantees sensor id exists. The caller must have ensured
// the sensor type already.
func (r *Reconciler) EnsureSensor(ctx context.Context, id, sensorTypeCode, stationID string) error {
	return r.ensure(ctx, r.sensors, "EnsureSensor", id, func() store.Row {
		return store.NewSensor(id, sensorTypeCode, stationID).Row()
	})
}

// Known reports whether id is recorded for table without touching the store.
func (r *Reconciler) Known(table, id string) bool {
	for _, e := range r.entities() {
		if e.table == table {
			return e.known.Contains(id)
		}
	}
	return false
}

// EntityStats summarizes one existence set.
type EntityStats struct {
	cache.StatsSummary
	Upserts int64 `json:"upserts"`
	Failed  int64 `json:"failed_upserts"`
}

// Stats returns per-collection statistics keyed by table name.
func (r *Reconciler) Stats() map[string]EntityStats {
	out := make(map[string]EntityStats, 4)
	for _, e := range r.entities() {
		out[e.table] = EntityStats{
			StatsSummary: e.known.Stats().Summary(),
			Upserts:      e.upserts.Load(),
			Failed:       e.failed.Load(),
		}
	}
	return out
}
