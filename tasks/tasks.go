// Package tasks runs fire-and-forget work (model preloading, usage
// accounting) off the request path and keeps its outcome for polling.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayl-ai/wayl/metrics"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
)

type Func func(ctx context.Context) (any, error)

// Status is the externally visible state of a task.
type Status struct {
	ID         string     `json:"task_id"`
	Owner      string     `json:"owner,omitempty"`
	Status     string     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type task struct {
	status Status
	cancel context.CancelFunc
}

type Manager struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tasks:  make(map[string]*task),
		base:   ctx,
		cancel: cancel,
	}
}

// Add starts fn in its own goroutine. An empty id gets a generated one.
// callback, when set, receives the result of a successful run.
func (m *Manager) Add(id string, fn Func, callback func(any)) (string, error) {
	return m.AddFor("", id, fn, callback)
}

// AddFor is Add for a task started on behalf of owner. Tasks without an owner
// belong to the system.
func (m *Manager) AddFor(owner, id string, fn Func, callback func(any)) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if t, ok := m.tasks[id]; ok && t.status.Status == StatusRunning {
		m.mu.Unlock()
		return "", fmt.Errorf("task %s already running", id)
	}
	ctx, cancel := context.WithCancel(m.base)
	t := &task{
		status: Status{ID: id, Owner: owner, Status: StatusRunning, StartedAt: time.Now()},
		cancel: cancel,
	}
	m.tasks[id] = t
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, t, fn, callback)
	return id, nil
}

func (m *Manager) run(ctx context.Context, t *task, fn Func, callback func(any)) {
	defer m.wg.Done()
	defer t.cancel()

	start := time.Now()
	result, err := func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return fn(ctx)
	}()
	finished := time.Now()

	m.mu.Lock()
	t.status.FinishedAt = &finished
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		t.status.Status = StatusCancelled
	case err != nil:
		t.status.Status = StatusFailed
		t.status.Error = err.Error()
	default:
		t.status.Status = StatusCompleted
		t.status.Result = result
	}
	final := t.status.Status
	m.mu.Unlock()

	metrics.RecordTask(final, finished.Sub(start))
	if final == StatusFailed {
		slog.Error("Background task failed", "task_id", t.status.ID, "error", err)
		return
	}
	slog.Info("Background task finished", "task_id", t.status.ID, "status", final, "duration", finished.Sub(start))
	if final == StatusCompleted && callback != nil {
		callback(result)
	}
}

func (m *Manager) Status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Status{ID: id, Status: StatusNotFound}
	}
	return t.status
}

// Cancel asks a running task to stop. It reports false if the task is not running.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.status.Status != StatusRunning {
		return false
	}
	t.cancel()
	return true
}

// Cleanup forgets finished tasks older than maxAge and returns how many were dropped.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, t := range m.tasks {
		if t.status.FinishedAt != nil && t.status.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// Wait blocks until every started task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all running tasks and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
