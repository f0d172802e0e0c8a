// Package health runs periodic dependency and host resource checks.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wayl-ai/wayl/metrics"
)

// Level orders check outcomes; higher is worse.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

type Result struct {
	Status    Level          `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

type Check func(ctx context.Context) Result

// Ping adapts an error-returning probe into a Check.
func Ping(probe func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := probe(ctx); err != nil {
			return Result{Status: LevelError, Message: err.Error()}
		}
		return Result{Status: LevelOK}
	}
}

type Snapshot struct {
	Status     Level             `json:"status"`
	Components map[string]Result `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

const DefaultHistorySize = 1000

// Monitor runs registered checks in parallel and keeps recent snapshots.
type Monitor struct {
	mu         sync.RWMutex
	checks     map[string]Check
	history    []Snapshot
	maxHistory int
	timeout    time.Duration
}

func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		checks:     make(map[string]Check),
		maxHistory: DefaultHistorySize,
		timeout:    timeout,
	}
}

func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

func (m *Monitor) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checks))
	for n := range m.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes every check once and records the snapshot.
func (m *Monitor) Run(ctx context.Context) Snapshot {
	names := m.names()
	results := make([]Result, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		m.mu.RLock()
		check := m.checks[name]
		m.mu.RUnlock()

		g.Go(func() error {
			results[i] = m.runOne(gctx, name, check)
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{Status: LevelOK, Components: make(map[string]Result, len(names)), Timestamp: time.Now().UTC()}
	for i, name := range names {
		r := results[i]
		snap.Components[name] = r
		if r.Status > snap.Status {
			snap.Status = r.Status
		}
		metrics.SetHealthStatus(name, int(r.Status))
		if r.Status >= LevelError {
			slog.Warn("Health check failed", "component", name, "status", r.Status.String(), "message", r.Message)
		}
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if over := len(m.history) - m.maxHistory; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.mu.Unlock()
	return snap
}

func (m *Monitor) runOne(ctx context.Context, name string, check Check) (r Result) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	defer func() { r.LatencyMS = time.Since(start).Milliseconds() }()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: LevelError, Message: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case r = <-done:
		return r
	case <-ctx.Done():
		return Result{Status: LevelError, Message: fmt.Sprintf("%s check timed out", name)}
	}
}

// Start runs checks every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Run(ctx)
		}
	}
}

// Status returns the latest snapshot, running the checks when none exists yet.
func (m *Monitor) Status(ctx context.Context) Snapshot {
	m.mu.RLock()
	n := len(m.history)
	var last Snapshot
	if n > 0 {
		last = m.history[n-1]
	}
	m.mu.RUnlock()
	if n == 0 {
		return m.Run(ctx)
	}
	return last
}

// History returns up to limit most recent snapshots, oldest first.
func (m *Monitor) History(limit int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]Snapshot, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}
