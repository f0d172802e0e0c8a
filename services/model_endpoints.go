package services

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/tasks"
)

type ModelCatalog interface {
	ListAvailable() ([]string, error)
	Has(id string) bool
}

type ModelInspector interface {
	Info(id string) inference.ModelInfo
}

// ModelEndpoints exposes the model catalog filtered by the caller's token
// level, and the status of background tasks.
type ModelEndpoints struct {
	catalog  ModelCatalog
	models   ModelInspector
	payments *PaymentService
	tasks    *tasks.Manager
}

type ModelsResponse struct {
	Models       []inference.ModelInfo `json:"models"`
	DefaultModel string                `json:"default_model"`
}

func NewModelEndpoints(catalog ModelCatalog, models ModelInspector, payments *PaymentService, tm *tasks.Manager) *ModelEndpoints {
	return &ModelEndpoints{catalog: catalog, models: models, payments: payments, tasks: tm}
}

func (e *ModelEndpoints) RegisterRoutes(r chi.Router) {
	r.Get("/models", e.ListModelsHandler)
	r.Get("/models/{id}", e.GetModelHandler)
	r.Get("/tasks/{id}", e.GetTaskHandler)
}

func (e *ModelEndpoints) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	info, err := e.payments.TokenInfo(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids, err := e.catalog.ListAvailable()
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ModelsResponse{Models: []inference.ModelInfo{}}
	for _, id := range ids {
		if CanUseModel(info, id) {
			resp.Models = append(resp.Models, e.models.Info(id))
		}
	}
	if len(info.Benefits.ModelAccess) > 0 {
		resp.DefaultModel = info.Benefits.ModelAccess[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ModelEndpoints) GetModelHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !e.catalog.Has(id) {
		writeError(w, r, notFound("Model not found"))
		return
	}

	info, err := e.payments.TokenInfo(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !CanUseModel(info, id) {
		apiErr := forbidden("Model not available for your token level")
		apiErr.Params = map[string]any{"model_id": id, "level": info.LevelName}
		writeError(w, r, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, e.models.Info(id))
}

// GetTaskHandler reports a task started on the caller's behalf. Admins may
// see any task; other tasks are reported as missing.
func (e *ModelEndpoints) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	status := e.tasks.Status(chi.URLParam(r, "id"))
	if status.Status == tasks.StatusNotFound || (status.Owner != user.ID && !user.IsAdmin()) {
		writeError(w, r, notFound("Task not found"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}
