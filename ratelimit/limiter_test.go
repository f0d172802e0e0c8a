package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limiters(t *testing.T) map[string]*Limiter {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]*Limiter{
		"redis":  NewRedisLimiter(client, "test"),
		"memory": NewMemoryLimiter("test"),
	}
}

func TestCheckBlocksOverLimit(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				res, err := l.Check(ctx, "user-1", 3, time.Minute, 1)
				require.NoError(t, err)
				assert.Equal(t, 2-i, res.Remaining)
			}

			res, err := l.Check(ctx, "user-1", 3, time.Minute, 1)
			assert.ErrorIs(t, err, ErrLimitExceeded)
			assert.Equal(t, 3, res.Current)
			assert.Equal(t, 0, res.Remaining)

			// other keys are independent
			_, err = l.Check(ctx, "user-2", 3, time.Minute, 1)
			assert.NoError(t, err)
		})
	}
}

func TestCheckHonoursCost(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Check(ctx, "k", 5, time.Minute, 4)
			require.NoError(t, err)

			_, err = l.Check(ctx, "k", 5, time.Minute, 2)
			assert.ErrorIs(t, err, ErrLimitExceeded)

			status, err := l.Status(ctx, "k", 5, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 4, status.Current)
		})
	}
}

func TestWindowSlides(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			l.now = func() time.Time { return now }

			_, err := l.Check(ctx, "k", 1, time.Minute, 1)
			require.NoError(t, err)
			res, err := l.Check(ctx, "k", 1, time.Minute, 1)
			require.ErrorIs(t, err, ErrLimitExceeded)
			assert.WithinDuration(t, now.Add(time.Minute), res.ResetAt, time.Millisecond)

			now = now.Add(61 * time.Second)
			_, err = l.Check(ctx, "k", 1, time.Minute, 1)
			assert.NoError(t, err)
		})
	}
}

func TestReset(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = l.Check(ctx, "k", 1, time.Minute, 1)
			require.NoError(t, l.Reset(ctx, "k"))
			_, err := l.Check(ctx, "k", 1, time.Minute, 1)
			assert.NoError(t, err)
		})
	}
}

func TestCheckIsAtomicUnderConcurrency(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Check(ctx, "burst", 5, time.Minute, 1); err == nil {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(5), allowed.Load())
			status, err := l.Status(ctx, "burst", 5, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 5, status.Current)
		})
	}
}

func TestRedisFailureFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisLimiter(client, "test")
	res, err := l.Check(context.Background(), "k", 1, time.Minute, 5)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
}

func TestMiddleware(t *testing.T) {
	l := NewMemoryLimiter("http")
	policy := func(r *http.Request) (string, int, time.Duration) {
		return ClientIP(r), 1, time.Minute
	}
	h := l.Middleware(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, float64(1), body["limit"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(1, 2)
	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 0, l.Cleanup(time.Hour))
	assert.Equal(t, 2, l.Cleanup(-time.Second))
	assert.Equal(t, 0, l.Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:5555"
	assert.Equal(t, "192.168.1.5", ClientIP(req))

	req.RemoteAddr = "192.168.1.5"
	assert.Equal(t, "192.168.1.5", ClientIP(req))
}
