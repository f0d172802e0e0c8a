// Package breaker guards calls to external services (chain RPC, inference
// endpoints) with per-service circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wayl-ai/wayl/metrics"
)

// ErrCircuitOpen is returned when a call is rejected without a fallback.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type benignError struct{ err error }

func (e *benignError) Error() string { return e.err.Error() }
func (e *benignError) Unwrap() error { return e.err }

// Benign marks err as an answer from a healthy service, such as a rejected
// transaction. The caller still receives err but the circuit records a success.
func Benign(err error) error {
	if err == nil {
		return nil
	}
	return &benignError{err: err}
}

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

type Breaker struct {
	FailureThreshold int
	ResetTimeout     time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

func New(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Breaker{
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
		circuits:         make(map[string]*circuit),
		now:              time.Now,
	}
}

func (b *Breaker) get(service string) *circuit {
	c, ok := b.circuits[service]
	if !ok {
		c = &circuit{}
		b.circuits[service] = c
	}
	return c
}

func (b *Breaker) set(service string, c *circuit, s State) {
	if c.state != s {
		slog.Info("Circuit state changed", "service", service, "from", c.state.String(), "to", s.String())
	}
	c.state = s
	metrics.SetCircuitState(service, int(s))
}

// allow decides whether a call may proceed, moving an expired open circuit to half-open.
func (b *Breaker) allow(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(service)
	if c.state != Open {
		return true
	}
	if b.now().Sub(c.lastFailure) >= b.ResetTimeout {
		b.set(service, c, HalfOpen)
		return true
	}
	return false
}

func (b *Breaker) record(service string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(service)
	if err == nil {
		metrics.CircuitCall(service, "success")
		c.failures = 0
		if c.state == HalfOpen {
			b.set(service, c, Closed)
		}
		return
	}

	metrics.CircuitCall(service, "failure")
	c.lastFailure = b.now()
	switch c.state {
	case Closed:
		c.failures++
		if c.failures >= b.FailureThreshold {
			b.set(service, c, Open)
		}
	case HalfOpen:
		b.set(service, c, Open)
	}
}

// Execute runs fn under the service's circuit. When the circuit is open, or fn
// fails, fallback is used if non-nil.
func (b *Breaker) Execute(ctx context.Context, service string, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	if !b.allow(service) {
		metrics.CircuitCall(service, "rejected")
		err := fmt.Errorf("%w: %s", ErrCircuitOpen, service)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	err := fn(ctx)
	// caller cancellation says nothing about the service's health
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var benign *benignError
	if errors.As(err, &benign) {
		b.record(service, nil)
		return benign.err
	}
	b.record(service, err)
	if err != nil && fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, service string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, service, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, nil)
	return out, err
}

func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[service]; ok {
		return c.state
	}
	return Closed
}

// States returns a snapshot of every known circuit.
func (b *Breaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.circuits))
	for name, c := range b.circuits {
		out[name] = c.state.String()
	}
	return out
}

func (b *Breaker) Reset(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(service)
	c.failures = 0
	b.set(service, c, Closed)
}

func (b *Breaker) ForceOpen(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(service)
	c.lastFailure = b.now()
	b.set(service, c, Open)
}
