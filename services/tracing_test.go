package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayl-ai/wayl/cache"
)

func newTracedRouter(c cache.Cache) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(tracing(c))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", TraceIDFromContext(r.Context()))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errors.New("boom"))
	})
	return r
}

func TestTracingAcceptsTraceID(t *testing.T) {
	c := cache.NewMemoryCache()
	r := newTracedRouter(c)

	req := httptest.NewRequest(http.MethodGet, "/ok?limit=5", nil)
	req.Header.Set("X-Trace-ID", "trace-abc")
	req.Header.Set("User-Agent", "wayl-test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Seen-Trace"))

	var stored TraceRecord
	require.True(t, cache.GetJSON(context.Background(), c, "trace:trace-abc", &stored))
	assert.Equal(t, http.MethodGet, stored.Method)
	assert.Equal(t, "/ok", stored.Path)
	assert.Equal(t, "limit=5", stored.Query)
	assert.Equal(t, "wayl-test", stored.UserAgent)
	assert.Equal(t, http.StatusOK, stored.StatusCode)
	assert.NotEmpty(t, stored.RequestID)
}

func TestTracingGeneratesTraceID(t *testing.T) {
	c := cache.NewMemoryCache()
	r := newTracedRouter(c)

	rec := do(t, r, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	id := rec.Header().Get("X-Trace-ID")
	require.Len(t, id, 36)

	var stored TraceRecord
	require.True(t, cache.GetJSON(context.Background(), c, traceKeyFor(id), &stored))
	assert.Equal(t, http.StatusInternalServerError, stored.StatusCode)
}

func TestTracingWithoutCache(t *testing.T) {
	rec := do(t, newTracedRouter(nil), http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}
