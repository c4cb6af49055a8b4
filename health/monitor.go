package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/viefmoon/chirpstack-agricos/metric"
)

// CheckFunc checks one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn        CheckFunc
	okMessage string
}

// Monitor tracks health of multiple components in a thread-safe manner.
// Components either push their status with Update or register a CheckFunc
// that Run polls.
type Monitor struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics
	timeout time.Duration

	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]check
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics mirrors every status into the health check gauge.
func WithMetrics(reg *metric.MetricsRegistry) MonitorOption {
	return func(m *Monitor) {
		if reg != nil {
			m.metrics = reg.CoreMetrics()
		}
	}
}

// WithCheckTimeout bounds each registered check.
func WithCheckTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewMonitor creates a monitor reporting under name.
func NewMonitor(name string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		name:     name,
		logger:   slog.Default(),
		timeout:  5 * time.Second,
		statuses: make(map[string]Status),
		checks:   make(map[string]check),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "health")
	return m
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, existed := m.statuses[name]
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.IsHealthy())
	}
	if existed && prev.Status != status.Status {
		m.logger.Info("Health changed", "target", name, "from", prev.Status, "to", status.Status,
			"message", status.Message)
	}
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register adds a polled check. The component counts as unhealthy until
// its first run.
func (m *Monitor) Register(name string, fn CheckFunc, okMessage string) {
	m.mu.Lock()
	m.checks[name] = check{fn: fn, okMessage: okMessage}
	m.mu.Unlock()
	m.UpdateUnhealthy(name, "Not checked yet")
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component and its check
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.checks, name)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// RunChecks runs every registered check once.
func (m *Monitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	for name, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.fn(checkCtx)
		cancel()
		m.Update(name, FromError(name, err, c.okMessage))
	}
}

// Run polls the registered checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.RunChecks(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// AggregateHealth returns the combined status, sub-statuses sorted by name.
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(m.name, subs)
}

// ServeHTTP writes the aggregate status as JSON. Unhealthy answers 503,
// degraded still answers 200.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.AggregateHealth()

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.logger.Debug("Failed to write health response", "error", err)
	}
}
