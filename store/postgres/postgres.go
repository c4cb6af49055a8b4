// Package postgres implements store.Store on PostgreSQL through lib/pq.
// Reference rows use INSERT ... ON CONFLICT (id) DO NOTHING; readings are
// streamed with COPY.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/metric"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// maxParams is the PostgreSQL bind parameter limit per statement.
const maxParams = 65535

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Timeout bounds every statement when the caller's context has no deadline.
	Timeout time.Duration
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithMetrics exports connection pool statistics.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(s *Store) error {
		if reg == nil {
			return nil
		}
		return reg.PrometheusRegistry().Register(collectors.NewDBStatsCollector(s.db, metric.Namespace))
	}
}

// Open creates the pool. No connection is made until first use; call Ping
// to verify reachability.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "postgres", "Open", "dsn")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "postgres", "Open", "parse dsn")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s, err := New(db, cfg.Timeout, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sql.DB, timeout time.Duration, opts ...Option) (*Store, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Store{db: db, timeout: timeout, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "postgres", "New", "apply option")
		}
	}
	s.logger = s.logger.With("component", "postgres-store")
	return s, nil
}

// DB exposes the pool for schema setup in tests and tools.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Upsert inserts rows whose id is absent and ignores the others.
func (s *Store) Upsert(ctx context.Context, table string, rows []store.Row) error {
	if !store.IsReferenceTable(table) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is not keyed by id", errors.ErrUnknownTable, table),
			"postgres", "Upsert", "check table")
	}
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cols := store.Columns[table]
	for _, chunk := range chunkRows(rows, maxParams/len(cols)) {
		query, args := buildUpsert(table, cols, chunk)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return classify(err, "Upsert", "insert into "+table)
		}
	}
	return nil
}

// Insert appends rows with COPY inside one transaction, so a batch is
// written completely or not at all.
func (s *Store) Insert(ctx context.Context, table string, rows []store.Row) error {
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "Insert", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	cols := store.Columns[table]
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, cols...))
	if err != nil {
		return classify(err, "Insert", "prepare copy "+table)
	}

	values := make([]any, len(cols))
	for _, r := range rows {
		for i, c := range cols {
			values[i] = r[c]
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			_ = stmt.Close()
			return classify(err, "Insert", "copy row into "+table)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return classify(err, "Insert", "flush copy "+table)
	}
	if err := stmt.Close(); err != nil {
		return classify(err, "Insert", "close copy "+table)
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "Insert", "commit "+table)
	}
	return nil
}

// SelectIDs returns every id of a reference table.
func (s *Store) SelectIDs(ctx context.Context, table string) ([]string, error) {
	if !store.IsReferenceTable(table) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is not keyed by id", errors.ErrUnknownTable, table),
			"postgres", "SelectIDs", "check table")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM "+pq.QuoteIdentifier(table))
	if err != nil {
		return nil, classify(err, "SelectIDs", "query "+table)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "SelectIDs", "scan "+table)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "SelectIDs", "iterate "+table)
	}
	return ids, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err, "Ping", "ping database")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// buildUpsert renders a multi-row insert-if-absent statement.
func buildUpsert(table string, cols []string, rows []store.Row) (string, []any) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, r[c])
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String(), args
}

func chunkRows(rows []store.Row, size int) [][]store.Row {
	if size <= 0 {
		size = 1
	}
	var chunks [][]store.Row
	for len(rows) > size {
		chunks = append(chunks, rows[:size])
		rows = rows[size:]
	}
	return append(chunks, rows)
}

// classify maps integrity and data errors to Invalid and everything else
// to Transient.
func classify(err error, method, action string) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return errors.WrapInvalid(err, "postgres", method, action)
		}
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "postgres", method, action)
}
