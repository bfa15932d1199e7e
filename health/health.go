// Package health serves socket health over HTTP.
//
// A Monitor runs every registered Checker concurrently and reports the worst
// status among them. Mount exposes three endpoints:
//
//	GET /health  full JSON report, 503 when unhealthy
//	GET /ready   503 while any check is unhealthy
//	GET /live    always 200
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the verdict of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Worse returns whichever of s and o is more severe. Unknown statuses count
// as unhealthy.
func (s Status) Worse(o Status) Status {
	rank := func(st Status) int {
		if r, ok := severity[st]; ok {
			return r
		}
		return severity[StatusUnhealthy]
	}
	if rank(o) > rank(s) {
		return o
	}
	return s
}

// Result is the outcome of one check
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Took    time.Duration  `json:"took"`
}

// Report is the outcome of every check the monitor ran
type Report struct {
	Status Status            `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`
	At     time.Time         `json:"at"`
	Took   time.Duration     `json:"took"`
	Checks map[string]Result `json:"checks"`
}

// Checker is one named health check. Check should return once ctx ends.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

// Func adapts fn to a Checker. A nil error is healthy with the returned
// message; an error is unhealthy.
func Func(name string, fn func(ctx context.Context) (string, error)) Checker {
	return funcChecker{name: name, fn: fn}
}

func (f funcChecker) Name() string { return f.name }

func (f funcChecker) Check(ctx context.Context) Result {
	msg, err := f.fn(ctx)
	if err != nil {
		return Result{Status: StatusUnhealthy, Message: msg, Error: err.Error()}
	}
	return Result{Status: StatusHealthy, Message: msg}
}

// Monitor holds the checks behind the health endpoints
type Monitor struct {
	mu       sync.RWMutex
	checkers []Checker
	labels   map[string]string
}

// NewMonitor creates a monitor running checkers
func NewMonitor(checkers ...Checker) *Monitor {
	m := &Monitor{labels: make(map[string]string)}
	for _, c := range checkers {
		m.Register(c)
	}
	return m
}

// Register adds c, replacing a checker of the same name
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, old := range m.checkers {
		if old.Name() == c.Name() {
			m.checkers[i] = c
			return
		}
	}
	m.checkers = append(m.checkers, c)
}

// Label attaches key=value to every report
func (m *Monitor) Label(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[key] = value
}

func (m *Monitor) snapshot() ([]Checker, map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		labels[k] = v
	}
	return append([]Checker(nil), m.checkers...), labels
}

// Check runs every checker concurrently and waits for them or for ctx.
// A check that has not answered when ctx ends is reported unhealthy.
func (m *Monitor) Check(ctx context.Context) Report {
	start := time.Now()
	checkers, labels := m.snapshot()

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(checkers))
		g       errgroup.Group
	)
	for _, c := range checkers {
		g.Go(func() error {
			began := time.Now()
			res := c.Check(ctx)
			res.Took = time.Since(began)

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	report := Report{
		Status: StatusHealthy,
		Labels: labels,
		At:     start,
		Checks: make(map[string]Result, len(checkers)),
	}

	mu.Lock()
	defer mu.Unlock()
	for _, c := range checkers {
		res, ok := results[c.Name()]
		if !ok {
			res = Result{Status: StatusUnhealthy, Message: "check timed out", Error: context.Cause(ctx).Error()}
		}
		report.Checks[c.Name()] = res
		report.Status = report.Status.Worse(res.Status)
	}
	report.Took = time.Since(start)
	return report
}

// Mount registers the health endpoints on mux. Every report is bounded by
// timeout.
func (m *Monitor) Mount(mux *http.ServeMux, timeout time.Duration) {
	mux.HandleFunc("GET /health", m.serveReport(timeout))
	mux.HandleFunc("GET /ready", m.serveReady(timeout))
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	})
}

func (m *Monitor) checkWithin(r *http.Request, timeout time.Duration) Report {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	return m.Check(ctx)
}

// serveReport writes the full report. Degraded still answers 200.
func (m *Monitor) serveReport(timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.checkWithin(r, timeout)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
}

func (m *Monitor) serveReady(timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.checkWithin(r, timeout).Status == StatusUnhealthy {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}
