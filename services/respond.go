package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"

	"github.com/wayl-ai/wayl/models"
)

// APIError is an error with an HTTP status, rendered as
// {"detail": ..., "code": ..., "params": {...}}.
type APIError struct {
	Status int            `json:"-"`
	Code   string         `json:"code"`
	Detail string         `json:"detail"`
	Params map[string]any `json:"params,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Detail)
}

func newAPIError(status int, code, detail string) *APIError {
	return &APIError{Status: status, Code: code, Detail: detail}
}

func badRequest(detail string) *APIError {
	return newAPIError(http.StatusBadRequest, "bad_request", detail)
}

func notFound(detail string) *APIError {
	return newAPIError(http.StatusNotFound, "not_found", detail)
}

func forbidden(detail string) *APIError {
	return newAPIError(http.StatusForbidden, "forbidden", detail)
}

var errUnauthorized = newAPIError(http.StatusUnauthorized, "unauthorized", "Could not validate credentials")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError renders err; anything that is not an APIError becomes a 500 and
// is reported to Sentry when a hub is attached to the request.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		slog.Error("Request failed", "error", err, "path", r.URL.Path)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		apiErr = newAPIError(http.StatusInternalServerError, "internal_error", "Internal server error")
	}
	writeJSON(w, apiErr.Status, apiErr)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return badRequest("Invalid request body")
	}
	return nil
}

// queryInt reads an integer query parameter bounded to [min, max].
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || (max > 0 && v > max) {
		if max > 0 {
			return 0, badRequest(fmt.Sprintf("%s must be an integer between %d and %d", name, min, max))
		}
		return 0, badRequest(fmt.Sprintf("%s must be an integer >= %d", name, min))
	}
	return v, nil
}

type contextKey string

const userContextKey contextKey = "user"

func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user set by AuthService.Middleware.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok && user != nil
}

// requireUser is used by handlers mounted behind the auth middleware.
func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, errUnauthorized)
	}
	return user, ok
}
