// Package memstore is an in-memory store.Store. It keeps every row, logs
// every call and can be told to fail specific operations, which makes it
// the store of choice for tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// Op names a store operation.
type Op string

// Store operations.
const (
	OpUpsert    Op = "upsert"
	OpInsert    Op = "insert"
	OpSelectIDs Op = "select_ids"
	OpPing      Op = "ping"
)

// Call is one recorded store invocation.
type Call struct {
	Op    Op
	Table string
	Rows  []store.Row
}

type failureKey struct {
	op    Op
	table string
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	tables   map[string][]store.Row
	ids      map[string]map[string]struct{}
	calls    []Call
	failures map[failureKey]error
	hook     func(Call)
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tables:   make(map[string][]store.Row),
		ids:      make(map[string]map[string]struct{}),
		failures: make(map[failureKey]error),
	}
}

// Seed inserts reference rows directly, without recording a call.
func (s *Store) Seed(table string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.upsertLocked(table, store.Row{"id": id})
	}
}

// FailOn makes every op on table return err until cleared. An empty table
// matches all tables. A nil err clears the rule.
func (s *Store) FailOn(op Op, table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failureKey{op, table}
	if err == nil {
		delete(s.failures, k)
		return
	}
	s.failures[k] = err
}

// ClearFailures removes every failure rule.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[failureKey]error)
}

// SetHook installs fn to run on every call before it is applied, outside
// the store lock. Tests use it to block or slow calls.
func (s *Store) SetHook(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Store) begin(op Op, table string, rows []store.Row) error {
	cp := make([]store.Row, len(rows))
	for i, r := range rows {
		row := make(store.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		cp[i] = row
	}
	call := Call{Op: op, Table: table, Rows: cp}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	hook := s.hook
	closed := s.closed
	err := s.failures[failureKey{op, table}]
	if err == nil {
		err = s.failures[failureKey{op, ""}]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if closed {
		return errors.WrapTransient(errors.ErrNoConnection, "memstore", string(op), "use closed store")
	}
	if err != nil {
		return errors.WrapTransient(err, "memstore", string(op), table)
	}
	return nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(_ context.Context, table string, rows []store.Row) error {
	if err := s.begin(OpUpsert, table, rows); err != nil {
		return err
	}
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}
	if !store.IsReferenceTable(table) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is not keyed", errors.ErrUnknownTable, table), "memstore", "Upsert", "check table")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.upsertLocked(table, r)
	}
	return nil
}

func (s *Store) upsertLocked(table string, r store.Row) {
	id, _ := r["id"].(string)
	set, ok := s.ids[table]
	if !ok {
		set = make(map[string]struct{})
		s.ids[table] = set
	}
	if _, exists := set[id]; exists {
		return
	}
	set[id] = struct{}{}
	s.tables[table] = append(s.tables[table], r)
}

// Insert implements store.Store.
func (s *Store) Insert(_ context.Context, table string, rows []store.Row) error {
	if err := s.begin(OpInsert, table, rows); err != nil {
		return err
	}
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], rows...)
	return nil
}

// SelectIDs implements store.Store.
func (s *Store) SelectIDs(_ context.Context, table string) ([]string, error) {
	if err := s.begin(OpSelectIDs, table, nil); err != nil {
		return nil, err
	}
	if err := store.ValidateTable(table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids[table]))
	for id := range s.ids[table] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	return s.begin(OpPing, "", nil)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Rows returns a copy of the rows stored in table.
func (s *Store) Rows(table string) []store.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Row(nil), s.tables[table]...)
}

// Calls returns every recorded call in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns recorded calls matching op and table. An empty table
// matches all tables.
func (s *Store) CallsFor(op Op, table string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Op == op && (table == "" || c.Table == table) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log but keeps data.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
