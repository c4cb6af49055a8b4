package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/store"
	"github.com/viefmoon/chirpstack-agricos/store/memstore"
)

func reading(i int) store.Reading {
	return store.Reading{SensorID: fmt.Sprintf("S%d", i), Value: float64(i), Timestamp: "2023-11-14T22:13:20.000Z"}
}

func newTestWriter(t *testing.T, cfg Config) (*Writer, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	w, err := NewWriter(st, cfg)
	require.NoError(t, err)
	return w, st
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, 100, DefaultConfig().Size)
	assert.Equal(t, 5*time.Second, DefaultConfig().Interval)

	assert.True(t, errors.IsInvalid(Config{Size: 0, Interval: time.Second}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Size: 1, Interval: 0}.Validate()))

	_, err := NewWriter(memstore.New(), Config{})
	assert.Error(t, err)
	_, err = NewWriter(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestWriter_SizeThresholdFlush(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 10, Interval: time.Hour})

	for i := 0; i < 10; i++ {
		w.EnqueueReading(reading(i))
	}
	w.Wait()

	calls := st.CallsFor(memstore.OpInsert, store.TableReadings)
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Rows, 10)
	assert.Equal(t, "S0", calls[0].Rows[0]["sensor_id"], "rows keep enqueue order")
	assert.Equal(t, 0, w.Stats()[store.TableReadings].Pending)
	assert.Empty(t, st.CallsFor(memstore.OpInsert, store.TableVoltageReadings), "only the full queue flushes")
}

func TestWriter_BelowThresholdDoesNotFlush(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 10, Interval: time.Hour})
	for i := 0; i < 9; i++ {
		w.EnqueueReading(reading(i))
	}
	w.Wait()
	assert.Empty(t, st.CallsFor(memstore.OpInsert, ""))
	assert.Equal(t, 9, w.Stats()[store.TableReadings].Pending)
}

func TestWriter_TimerFlush(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 100, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.EnqueueReading(reading(1))
	w.EnqueueReading(reading(2))
	w.EnqueueVoltage(store.VoltageReading{DeviceID: "D1", VoltageValue: 3.7, Timestamp: "t"})
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool {
		return len(st.CallsFor(memstore.OpInsert, store.TableReadings)) == 1 &&
			len(st.CallsFor(memstore.OpInsert, store.TableVoltageReadings)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, st.CallsFor(memstore.OpInsert, store.TableReadings)[0].Rows, 2)
	require.NoError(t, w.Stop(context.Background()))
	assert.Len(t, st.CallsFor(memstore.OpInsert, store.TableReadings), 1, "empty queues never reach the store")
}

func TestWriter_FailedBatchIsDropped(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 100, Interval: time.Hour})
	st.FailOn(memstore.OpInsert, store.TableReadings, stderrors.New("insert timeout"))

	w.EnqueueReading(reading(1))
	w.EnqueueReading(reading(2))
	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	stats := w.Stats()[store.TableReadings]
	assert.Equal(t, int64(1), stats.FailedFlushes)
	assert.Equal(t, int64(2), stats.DroppedRows)
	assert.Equal(t, 0, stats.Pending, "failed rows are not re-queued")

	st.ClearFailures()
	w.EnqueueReading(reading(3))
	require.NoError(t, w.Flush(context.Background()))

	rows := st.Rows(store.TableReadings)
	require.Len(t, rows, 1)
	assert.Equal(t, "S3", rows[0]["sensor_id"])
}

func TestWriter_FailureInOneTableDoesNotAffectOther(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 100, Interval: time.Hour})
	st.FailOn(memstore.OpInsert, store.TableReadings, stderrors.New("down"))

	w.EnqueueReading(reading(1))
	w.EnqueueVoltage(store.VoltageReading{DeviceID: "D1", VoltageValue: 3.3, Timestamp: "t"})
	assert.Error(t, w.Flush(context.Background()))

	assert.Len(t, st.Rows(store.TableVoltageReadings), 1)
}

func TestWriter_StopFlushesRemaining(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 100, Interval: time.Hour})
	require.NoError(t, w.Start(context.Background()))

	w.EnqueueReading(reading(1))
	w.EnqueueVoltage(store.VoltageReading{DeviceID: "D1", VoltageValue: 3.3, Timestamp: "t"})
	require.NoError(t, w.Stop(context.Background()))

	assert.Len(t, st.Rows(store.TableReadings), 1)
	assert.Len(t, st.Rows(store.TableVoltageReadings), 1)
}

func TestWriter_StopAfterCancelledContext(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 100, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))

	w.EnqueueReading(reading(1))
	cancel()
	require.NoError(t, w.Stop(context.Background()))
	assert.Len(t, st.Rows(store.TableReadings), 1)
}

func TestWriter_ConcurrentEnqueueLosesNothing(t *testing.T) {
	w, st := newTestWriter(t, Config{Size: 7, Interval: 5 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.EnqueueReading(reading(g*100 + i))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Stop(context.Background()))

	seen := map[string]bool{}
	for _, r := range st.Rows(store.TableReadings) {
		id := r["sensor_id"].(string)
		assert.False(t, seen[id], "row %s written twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, 800)
	assert.Equal(t, int64(800), w.Stats()[store.TableReadings].Rows)
}

func TestWriter_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	st := memstore.New()
	w, err := NewWriter(st, Config{Size: 2, Interval: time.Hour}, WithMetrics(reg))
	require.NoError(t, err)

	w.EnqueueReading(reading(1))
	w.EnqueueReading(reading(2))
	w.Wait()

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() != "agricos_batch_rows_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			found = true
			assert.Equal(t, 2.0, m.GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
