package services

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/repository"
)

type AuditEndpoints struct {
	audit *AuditService
}

func NewAuditEndpoints(audit *AuditService) *AuditEndpoints {
	return &AuditEndpoints{audit: audit}
}

func (e *AuditEndpoints) RegisterRoutes(r chi.Router) {
	r.Get("/audit/events", e.ListEvents)
	r.Get("/audit/events/{id}", e.GetEvent)
	r.Get("/audit/activity", e.Activity)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badRequest(name + " must be an RFC3339 timestamp")
	}
	return t, nil
}

// ListEvents returns the caller's events; admins may query any user.
func (e *AuditEndpoints) ListEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	f := repository.AuditFilter{
		EventType:    q.Get("event_type"),
		ResourceType: q.Get("resource_type"),
		UserID:       user.ID,
	}
	if user.IsAdmin() {
		f.UserID = q.Get("user_id")
	}

	var err error
	if f.Start, err = parseTimeParam(r, "start_time"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.End, err = parseTimeParam(r, "end_time"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit", 100, 1, 1000); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0, 0, 0); err != nil {
		writeError(w, r, err)
		return
	}

	events, err := e.audit.Events(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (e *AuditEndpoints) GetEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	event, err := e.audit.Event(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if event == nil || (!user.IsAdmin() && (event.UserID == nil || *event.UserID != user.ID)) {
		writeError(w, r, notFound("Audit event not found"))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (e *AuditEndpoints) Activity(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	days, err := queryInt(r, "days", 30, 1, 365)
	if err != nil {
		writeError(w, r, err)
		return
	}

	events, err := e.audit.UserActivity(r.Context(), user.ID, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, events)
}
