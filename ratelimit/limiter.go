// Package ratelimit implements a sliding-window request limiter with Redis and
// in-memory backends, plus a token-bucket throttle keyed by client IP.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wayl-ai/wayl/metrics"
)

// ErrLimitExceeded is returned by Check when the request would exceed the limit.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Result describes the window state observed by a check.
type Result struct {
	Key       string
	Limit     int
	Window    time.Duration
	Current   int
	Remaining int
	ResetAt   time.Time
}

// store holds the timestamps of requests inside a window.
type store interface {
	// count drops entries older than since and returns how many remain
	// plus the timestamp of the oldest (zero when empty).
	count(ctx context.Context, key string, since time.Time) (int, time.Time, error)
	// take atomically drops entries older than since and, when cost more
	// hits still fit under limit, records them at now. It returns the count
	// and oldest timestamp after the decision.
	take(ctx context.Context, key string, now, since time.Time, limit, cost int, window time.Duration) (int, time.Time, bool, error)
	reset(ctx context.Context, key string) error
}

type Limiter struct {
	store  store
	prefix string
	now    func() time.Time
}

func newLimiter(s store, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{store: s, prefix: prefix, now: time.Now}
}

func (l *Limiter) fullKey(key string) string {
	return l.prefix + ":" + key
}

func (l *Limiter) result(full string, limit int, window time.Duration, current int, oldest, now time.Time) Result {
	if oldest.IsZero() {
		oldest = now
	}
	return Result{
		Key:       full,
		Limit:     limit,
		Window:    window,
		Current:   current,
		Remaining: max(0, limit-current),
		ResetAt:   oldest.Add(window),
	}
}

func (l *Limiter) observe(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	full := l.fullKey(key)
	current, oldest, err := l.store.count(ctx, full, now.Add(-window))
	if err != nil {
		return Result{}, err
	}
	return l.result(full, limit, window, current, oldest, now), nil
}

// Check records cost hits for key unless that would push the window past
// limit, in which case ErrLimitExceeded is returned with the observed Result.
// The decision and the increment happen in one step of the backend.
// Backend failures are logged and the request is allowed.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	now := l.now()
	full := l.fullKey(key)
	current, oldest, allowed, err := l.store.take(ctx, full, now, now.Add(-window), limit, cost, window)
	if err != nil {
		slog.Error("Rate limit check failed", "key", key, "error", err)
		return Result{Key: full, Limit: limit, Window: window, Remaining: limit, ResetAt: now.Add(window)}, nil
	}

	res := l.result(full, limit, window, current, oldest, now)
	if !allowed {
		metrics.RateLimited(l.prefix)
		return res, ErrLimitExceeded
	}
	return res, nil
}

// Status reports the window state without recording a hit.
func (l *Limiter) Status(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return l.observe(ctx, key, limit, window)
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.reset(ctx, l.fullKey(key))
}
