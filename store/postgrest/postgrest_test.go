package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/store"
)

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	handler  http.HandlerFunc
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone(), body: body,
	})
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeServer) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestStore(t *testing.T, h http.HandlerFunc, pageSize int) (*Store, *fakeServer) {
	t.Helper()
	fake := &fakeServer{handler: h}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(Config{URL: srv.URL, APIKey: "service-key", Timeout: 2 * time.Second, PageSize: pageSize})
	require.NoError(t, err)
	return s, fake
}

func TestNew_RequiresURLAndKey(t *testing.T) {
	_, err := New(Config{URL: "https://abc.supabase.co"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestUpsert_IgnoresDuplicates(t *testing.T) {
	s, fake := newTestStore(t, nil, 0)

	err := s.Upsert(context.Background(), store.TableStations,
		[]store.Row{store.NewStation("S1").Row(), store.NewStation("S2").Row()})
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/rest/v1/stations", req.path)
	assert.Equal(t, "on_conflict=id", req.query)
	assert.Equal(t, "resolution=ignore-duplicates,return=minimal", req.header.Get("Prefer"))
	assert.Equal(t, "service-key", req.header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", req.header.Get("Authorization"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(req.body, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "S1", rows[0]["id"])
	assert.Equal(t, "Estación S1", rows[0]["name"])
	assert.Equal(t, true, rows[0]["is_active"])
}

func TestInsert_PostsArray(t *testing.T) {
	s, fake := newTestStore(t, nil, 0)

	batch := []store.Reading{
		{SensorID: "HT1T", Value: 21.5, Timestamp: "2023-11-14T22:13:20.000Z"},
		{SensorID: "HT1H", Value: 60, Timestamp: "2023-11-14T22:13:20.000Z"},
	}
	require.NoError(t, s.Insert(context.Background(), store.TableReadings, store.Rows(batch)))

	req := fake.last()
	assert.Equal(t, "/rest/v1/readings", req.path)
	assert.Equal(t, "return=minimal", req.header.Get("Prefer"))
	assert.Empty(t, req.query)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(req.body, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "HT1H", rows[1]["sensor_id"])
	assert.Equal(t, 60.0, rows[1]["value"])
}

func TestURLAlreadyCarriesRestPrefix(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := New(Config{URL: srv.URL + "/rest/v1/", APIKey: "k"})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "/rest/v1/", fake.last().path)
}

func TestSelectIDs_PagesWithRange(t *testing.T) {
	all := make([]string, 5)
	for i := range all {
		all[i] = fmt.Sprintf("S%d", i)
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		var from, to int
		_, err := fmt.Sscanf(r.Header.Get("Range"), "%d-%d", &from, &to)
		if err != nil || from >= len(all) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if to >= len(all) {
			to = len(all) - 1
		}
		page := make([]idRow, 0, to-from+1)
		for _, id := range all[from : to+1] {
			page = append(page, idRow{ID: id})
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Range", strconv.Itoa(from)+"-"+strconv.Itoa(to)+"/*")
		w.WriteHeader(http.StatusPartialContent)
		_ = json.NewEncoder(w).Encode(page)
	}

	s, fake := newTestStore(t, handler, 2)
	ids, err := s.SelectIDs(context.Background(), store.TableSensors)
	require.NoError(t, err)
	assert.Equal(t, all, ids)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 3)
	assert.Equal(t, "0-1", fake.requests[0].header.Get("Range"))
	assert.Equal(t, "4-5", fake.requests[2].header.Get("Range"))
	assert.True(t, strings.Contains(fake.requests[0].query, "select=id"))
}

func TestSelectIDs_EmptyTableRangeNotSatisfiable(t *testing.T) {
	s, _ := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}, 10)

	ids, err := s.SelectIDs(context.Background(), store.TableDevices)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		target    error
	}{
		{"foreign key", http.StatusConflict, false, errors.ErrInvalidData},
		{"bad request", http.StatusBadRequest, false, errors.ErrInvalidData},
		{"rate limited", http.StatusTooManyRequests, true, errors.ErrRateLimited},
		{"server error", http.StatusBadGateway, true, errors.ErrStorageUnavailable},
		{"request timeout", http.StatusRequestTimeout, true, errors.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"23503","message":"violates foreign key constraint","details":"Key is not present"}`))
			}, 0)

			err := s.Insert(context.Background(), store.TableReadings,
				store.Rows([]store.Reading{{SensorID: "X", Value: 1, Timestamp: "2023-11-14T22:13:20.000Z"}}))
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, !tt.transient, errors.IsInvalid(err))
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), "violates foreign key constraint")
		})
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	s, err := New(Config{URL: "http://127.0.0.1:1", APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)

	err = s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestRejectsBadInputWithoutRequest(t *testing.T) {
	s, fake := newTestStore(t, nil, 0)
	ctx := context.Background()

	assert.True(t, errors.IsInvalid(s.Upsert(ctx, store.TableReadings, nil)))
	assert.ErrorIs(t, s.Insert(ctx, "weather", []store.Row{{"x": 1}}), errors.ErrUnknownTable)
	_, err := s.SelectIDs(ctx, store.TableVoltageReadings)
	assert.True(t, errors.IsInvalid(err))
	assert.NoError(t, s.Insert(ctx, store.TableReadings, nil))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.requests)
}
