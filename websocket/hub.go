// Package websocket tracks streaming chat connections and pumps JSON frames
// between the socket and a per-client message handler.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wayl-ai/wayl/inference"
)

const (
	TypeChat  = "chat"
	TypeChunk = "chunk"
	TypeDone  = "done"
	TypeError = "error"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 64 * 1024
	sendBuffer   = 256
	inboxSize    = 8
)

var ErrClientClosed = errors.New("websocket client closed")

// Message is the frame exchanged with chat clients in both directions.
type Message struct {
	Type           string           `json:"type"`
	Content        string           `json:"content,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Usage          *inference.Usage `json:"usage,omitempty"`
	FinishReason   string           `json:"finish_reason,omitempty"`
}

// Handler processes one inbound message. ctx ends when the client goes away.
type Handler func(ctx context.Context, c *Client, msg Message)

type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	Send           chan []byte
	UserID         string
	AgentID        string
	SessionID      string
	MessageHandler Handler

	mu     sync.RWMutex
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			slog.Info("Client registered", "user_id", client.UserID, "agent_id", client.AgentID, "session_id", client.SessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			slog.Info("Client unregistered", "user_id", client.UserID, "session_id", client.SessionID)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient wraps conn for userID chatting with agentID.
func NewClient(h *Hub, conn *websocket.Conn, userID, agentID string) *Client {
	return &Client{
		Hub:       h,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		UserID:    userID,
		AgentID:   agentID,
		SessionID: uuid.New().String(),
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Deliver queues msg for the writer, waiting while the buffer is full.
func (c *Client) Deliver(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.Send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadPump reads frames until the connection fails and hands them to the
// message handler one at a time.
func (c *Client) ReadPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	inbox := make(chan Message, inboxSize)
	worked := make(chan struct{})

	go func() {
		defer close(worked)
		for msg := range inbox {
			if c.MessageHandler != nil {
				c.MessageHandler(ctx, c, msg)
			}
		}
	}()

	defer func() {
		cancel()
		close(inbox)
		<-worked
		c.Hub.remove(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err, "session_id", c.SessionID)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			slog.Warn("Failed to unmarshal message", "error", err, "session_id", c.SessionID)
			c.Deliver(ctx, Message{Type: TypeError, Content: "Invalid message format"})
			continue
		}

		slog.Debug("Message received", "type", msg.Type, "session_id", c.SessionID, "content_length", len(msg.Content))

		select {
		case inbox <- msg:
		default:
			c.Deliver(ctx, Message{Type: TypeError, Content: "Too many pending messages"})
		}
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("WebSocket write failed", "error", err, "session_id", c.SessionID)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
