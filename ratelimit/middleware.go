package ratelimit

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Policy picks the key, limit and window for a request.
type Policy func(r *http.Request) (key string, limit int, window time.Duration)

// Middleware rejects requests over their policy's limit with 429 and sets the
// X-RateLimit-* headers on every response it lets through.
func (l *Limiter) Middleware(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, limit, window := policy(r)
			res, err := l.Check(r.Context(), key, limit, window, 1)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if errors.Is(err, ErrLimitExceeded) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter(res.ResetAt)))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":     "Rate limit exceeded",
					"limit":     res.Limit,
					"remaining": res.Remaining,
					"reset_at":  float64(res.ResetAt.UnixMilli()) / 1000,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfter(reset time.Time) int {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIP returns the request's remote host without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
