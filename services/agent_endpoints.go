package services

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type AgentEndpoints struct {
	agents *AgentService
	audit  *AuditService
	stream *ChatHandler
}

type ChatRequest struct {
	Message string `json:"message"`
}

// NewAgentEndpoints builds the agent routes; stream, when set, serves the
// WebSocket chat under /agents/{id}/ws.
func NewAgentEndpoints(agents *AgentService, audit *AuditService, stream *ChatHandler) *AgentEndpoints {
	return &AgentEndpoints{
		agents: agents,
		audit:  audit,
		stream: stream,
	}
}

func (e *AgentEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", e.CreateAgentHandler)
		r.Get("/", e.GetAgentsHandler)
		r.Get("/{id}", e.GetAgentHandler)
		r.Put("/{id}", e.UpdateAgentHandler)
		r.Delete("/{id}", e.DeleteAgentHandler)
		r.Post("/{id}/chat", e.ChatHandler)
		r.Get("/{id}/conversations", e.GetConversationsHandler)
		r.Delete("/{id}/history", e.ClearHistoryHandler)
		if e.stream != nil {
			r.Get("/{id}/ws", e.stream.ServeWS)
		}
	})

	r.Get("/conversations/{id}/messages", e.GetMessagesHandler)
}

func (e *AgentEndpoints) CreateAgentHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	agent, err := e.agents.Create(r.Context(), user, req)
	if err != nil {
		slog.Error("Failed to create agent", "error", err, "user_id", user.ID)
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventAgentCreated, UserID: user.ID, ResourceType: "agent",
		ResourceID: agent.ID, Action: "create", Status: "success",
		Details: map[string]any{"name": agent.Name, "model_id": agent.ModelID},
	})
	writeJSON(w, http.StatusCreated, agent)
}

func (e *AgentEndpoints) GetAgentsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 10, 1, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, err := e.agents.List(r.Context(), user, offset, limit)
	if err != nil {
		slog.Error("Failed to get agents", "error", err, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (e *AgentEndpoints) GetAgentHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	agent, err := e.agents.Get(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (e *AgentEndpoints) UpdateAgentHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "id")

	var req UpdateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	agent, err := e.agents.Update(r.Context(), user, agentID, req)
	if err != nil {
		slog.Error("Failed to update agent", "error", err, "agent_id", agentID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventAgentUpdated, UserID: user.ID, ResourceType: "agent",
		ResourceID: agent.ID, Action: "update", Status: "success",
	})
	writeJSON(w, http.StatusOK, agent)
}

func (e *AgentEndpoints) DeleteAgentHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "id")

	if err := e.agents.Delete(r.Context(), user, agentID); err != nil {
		slog.Error("Failed to delete agent", "error", err, "agent_id", agentID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}

	e.audit.Record(r, AuditEvent{
		EventType: EventAgentDeleted, UserID: user.ID, ResourceType: "agent",
		ResourceID: agentID, Action: "delete", Status: "success",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (e *AgentEndpoints) ChatHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "id")

	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := e.agents.Chat(r.Context(), user, agentID, req.Message)
	if err != nil {
		slog.Error("Chat failed", "error", err, "agent_id", agentID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *AgentEndpoints) GetConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	convs, err := e.agents.Conversations(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (e *AgentEndpoints) ClearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "id")

	if err := e.agents.ClearHistory(r.Context(), user, agentID); err != nil {
		slog.Error("Failed to clear history", "error", err, "agent_id", agentID, "user_id", user.ID)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (e *AgentEndpoints) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, r, err)
		return
	}

	msgs, err := e.agents.Messages(r.Context(), user, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
