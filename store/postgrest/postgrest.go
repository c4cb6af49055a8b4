// Package postgrest implements store.Store against a PostgREST endpoint
// such as Supabase's /rest/v1 using resty.
package postgrest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/store"
)

// Config configures the REST client.
type Config struct {
	// URL is the project URL; "/rest/v1" is appended unless already present.
	URL      string
	APIKey   string
	Timeout  time.Duration
	PageSize int
}

// Store is a PostgREST-backed store.Store.
type Store struct {
	client   *resty.Client
	pageSize int
	logger   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Store) {
		s.client = resty.NewWithClient(hc)
	}
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *apiError) String() string {
	if e == nil || e.Message == "" {
		return ""
	}
	if e.Details != "" {
		return fmt.Sprintf("%s (%s): %s", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

type idRow struct {
	ID string `json:"id"`
}

// New creates a Store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "postgrest", "New", "url and api key")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}

	s := &Store{client: resty.New(), pageSize: cfg.PageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "postgrest-store")

	base := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}

	s.client.
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", cfg.APIKey).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json")
	return s, nil
}

// Upsert posts rows with on_conflict=id and ignore-duplicates resolution.
func (s *Store) Upsert(ctx context.Context, table string, rows []store.Row) error {
	if !store.IsReferenceTable(table) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is not keyed by id", errors.ErrUnknownTable, table),
			"postgrest", "Upsert", "check table")
	}
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=ignore-duplicates,return=minimal").
		SetQueryParam("on_conflict", "id").
		SetBody(rows).
		SetError(&apiError{}).
		Post("/" + table)
	return checkResponse(resp, err, "Upsert", table)
}

// Insert posts rows as one JSON array.
func (s *Store) Insert(ctx context.Context, table string, rows []store.Row) error {
	if err := store.ValidateRows(table, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(rows).
		SetError(&apiError{}).
		Post("/" + table)
	return checkResponse(resp, err, "Insert", table)
}

// SelectIDs pages through the table with Range headers.
func (s *Store) SelectIDs(ctx context.Context, table string) ([]string, error) {
	if !store.IsReferenceTable(table) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is not keyed by id", errors.ErrUnknownTable, table),
			"postgrest", "SelectIDs", "check table")
	}

	var ids []string
	for offset := 0; ; offset += s.pageSize {
		var page []idRow
		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParam("select", "id").
			SetQueryParam("order", "id").
			SetHeader("Range-Unit", "items").
			SetHeader("Range", strconv.Itoa(offset)+"-"+strconv.Itoa(offset+s.pageSize-1)).
			SetResult(&page).
			SetError(&apiError{}).
			Get("/" + table)
		if resp != nil && resp.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			break
		}
		if err := checkResponse(resp, err, "SelectIDs", table); err != nil {
			return nil, err
		}

		for _, r := range page {
			ids = append(ids, r.ID)
		}
		if len(page) < s.pageSize {
			break
		}
	}
	return ids, nil
}

// Ping requests the API root.
func (s *Store) Ping(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).SetError(&apiError{}).Get("/")
	return checkResponse(resp, err, "Ping", "root")
}

// Close is a no-op; resty has nothing to release.
func (s *Store) Close() error {
	return nil
}

// checkResponse classifies transport errors and non-2xx statuses. Client
// errors other than 408 and 429 are Invalid; the rest are Transient.
func checkResponse(resp *resty.Response, err error, method, table string) error {
	action := "request " + table
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "postgrest", method, action)
	}
	if resp.IsSuccess() {
		return nil
	}

	detail := resp.Status()
	if apiErr, ok := resp.Error().(*apiError); ok {
		if msg := apiErr.String(); msg != "" {
			detail += ": " + msg
		}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrRateLimited, detail), "postgrest", method, action)
	case code == http.StatusRequestTimeout || code >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrStorageUnavailable, detail), "postgrest", method, action)
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, detail), "postgrest", method, action)
	}
}
