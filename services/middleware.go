package services

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/ratelimit"
)

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and sets CORS headers for the configured origins.
func cors(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			if origin == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TierLimits resolves an authenticated user's per-window request allowance.
type TierLimits interface {
	APIRateLimit(ctx context.Context, user *models.User) (int, error)
}

// userRatePolicy limits each authenticated user to their tier's API rate
// limit and anonymous callers, keyed by IP, to def. Lookup failures fall back
// to def.
func userRatePolicy(tiers TierLimits, def int, window time.Duration) ratelimit.Policy {
	return func(r *http.Request) (string, int, time.Duration) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			return "ip:" + ratelimit.ClientIP(r), def, window
		}
		limit := def
		if tiers != nil {
			n, err := tiers.APIRateLimit(r.Context(), user)
			switch {
			case err != nil:
				slog.Warn("Falling back to default rate limit", "error", err, "user_id", user.ID)
			case n > 0:
				limit = n
			}
		}
		return "user:" + user.ID, limit, window
	}
}
