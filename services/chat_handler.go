package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	ws "github.com/wayl-ai/wayl/websocket"
)

// ChatHandler streams agent replies over a WebSocket.
type ChatHandler struct {
	agents   *AgentService
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

func NewChatHandler(agents *AgentService, hub *ws.Hub, allowedOrigins string) *ChatHandler {
	return &ChatHandler{
		agents: agents,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return CheckOrigin(r, allowedOrigins)
			},
		},
	}
}

// CheckOrigin validates the origin of WebSocket connections to prevent CSRF attacks
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	// If no allowed origins are configured, deny all requests for security
	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			slog.Info("WebSocket connection accepted", "origin", origin)
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "id")
	if _, err := h.agents.Get(r.Context(), user, agentID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := ws.NewClient(h.hub, conn, user.ID, agentID)
	client.MessageHandler = func(ctx context.Context, c *ws.Client, msg ws.Message) {
		h.handleMessage(ctx, c, msg)
	}
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	slog.Info("WebSocket connection established", "user_id", user.ID, "agent_id", agentID, "session_id", client.SessionID)

	go client.WritePump()
	client.ReadPump(context.WithoutCancel(r.Context()))
}

func (h *ChatHandler) handleMessage(ctx context.Context, c *ws.Client, msg ws.Message) {
	if msg.Type != ws.TypeChat {
		slog.Warn("Unknown message type", "type", msg.Type, "session_id", c.SessionID)
		c.Deliver(ctx, ws.Message{Type: ws.TypeError, Content: "Unknown message type"})
		return
	}

	user, ok := UserFromContext(ctx)
	if !ok {
		c.Deliver(ctx, ws.Message{Type: ws.TypeError, Content: errUnauthorized.Detail})
		return
	}

	resp, err := h.agents.StreamChat(ctx, user, c.AgentID, msg.Content, func(chunk string) error {
		return c.Deliver(ctx, ws.Message{Type: ws.TypeChunk, Content: chunk})
	})
	if err != nil {
		if errors.Is(err, ws.ErrClientClosed) || ctx.Err() != nil {
			return
		}
		var apiErr *APIError
		detail := "Internal server error"
		if errors.As(err, &apiErr) {
			detail = apiErr.Detail
		} else {
			slog.Error("Stream chat failed", "error", err, "session_id", c.SessionID)
		}
		c.Deliver(ctx, ws.Message{Type: ws.TypeError, Content: detail})
		return
	}

	c.Deliver(ctx, ws.Message{
		Type:           ws.TypeDone,
		ConversationID: resp.ConversationID,
		Usage:          &resp.Usage,
		FinishReason:   resp.FinishReason,
	})
}
