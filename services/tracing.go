package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/ratelimit"
)

const (
	traceHeader   = "X-Trace-ID"
	traceTTL      = 24 * time.Hour
	maxTraceIDLen = 128
)

type traceKey struct{}

// TraceRecord is what gets stored under trace:<id> for each request.
type TraceRecord struct {
	TraceID    string    `json:"trace_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Query      string    `json:"query_params,omitempty"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent,omitempty"`
	StatusCode int       `json:"status_code"`
	Duration   float64   `json:"duration"`
	StartedAt  time.Time `json:"start_time"`
}

func traceKeyFor(id string) string { return "trace:" + id }

// TraceIDFromContext returns the trace id assigned by the tracing middleware.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// tracing accepts or generates an X-Trace-ID, echoes it on the response and
// stores a TraceRecord per request. Failed requests are logged with context.
func tracing(c cache.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(traceHeader)
			if id == "" || len(id) > maxTraceIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(traceHeader, id)

			ctx := context.WithValue(r.Context(), traceKey{}, id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec := TraceRecord{
				TraceID:    id,
				RequestID:  middleware.GetReqID(ctx),
				Method:     r.Method,
				Path:       r.URL.Path,
				Query:      r.URL.RawQuery,
				ClientIP:   ratelimit.ClientIP(r),
				UserAgent:  r.UserAgent(),
				StatusCode: status,
				Duration:   time.Since(start).Seconds(),
				StartedAt:  start.UTC(),
			}

			if status >= http.StatusBadRequest {
				level := slog.LevelWarn
				if status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				slog.Log(ctx, level, "Request failed",
					"trace_id", id, "request_id", rec.RequestID, "method", rec.Method, "path", rec.Path,
					"status", status, "duration", rec.Duration, "client_ip", rec.ClientIP)
			}

			if c == nil {
				return
			}
			// the request context may already be cancelled
			if err := cache.SetJSON(context.WithoutCancel(ctx), c, traceKeyFor(id), rec, traceTTL); err != nil {
				slog.Warn("Failed to store trace", "trace_id", id, "error", err)
			}
		})
	}
}
