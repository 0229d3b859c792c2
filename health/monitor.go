package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckFunc probes one dependency. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// Monitor runs registered checks on demand
type Monitor struct {
	name    string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]check
}

// NewMonitor creates a monitor whose checks each get timeout
func NewMonitor(name string, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{name: name, timeout: timeout, checks: make(map[string]check)}
}

// Register adds a check. A failing critical check makes the server
// unhealthy; any other failing check only degrades it.
func (m *Monitor) Register(name string, critical bool, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check{fn: fn, critical: critical}
}

// Check runs every check concurrently and aggregates the results in name
// order
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	slices.Sort(names)

	results := make([]Status, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = m.run(ctx, name, checks[name])
			return nil
		})
	}
	_ = g.Wait()

	return Aggregate(m.name, results)
}

func (m *Monitor) run(ctx context.Context, name string, c check) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(ctx)
	var status Status
	switch {
	case err == nil:
		status = NewHealthy(name, "ok")
	case c.critical:
		status = NewUnhealthy(name, err.Error())
	default:
		status = NewDegraded(name, err.Error())
	}
	status.Latency = time.Since(start)
	return status
}

// Handler serves the aggregate status as JSON: 503 when unhealthy,
// 200 otherwise
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Check(r.Context())
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
