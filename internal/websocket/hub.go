// Package websocket pushes license state changes to connected UI clients.
//
// The desktop shell opens a single socket against /ws and receives a
// message whenever the license transitions state (activation, validation
// result change, transfer events). The hub is a plain fan-out: it keeps no
// per-client state beyond the send queue and drops slow clients rather
// than blocking the broadcaster.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"poscore/internal/infrastructure"
)

// Message is the envelope pushed to every connected client.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub maintains the set of active clients and broadcasts license state
// messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	totalConnections int64
	messagesSent     int64

	quit chan struct{}
	once sync.Once
}

// NewHub creates a hub with dependency injection for the logger.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast events until the context is
// cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-h.quit:
			h.shutdown()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("client_id", client.id),
				slog.Int("client_count", count))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("client_id", client.id),
				slog.Int("client_count", count))
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
					h.messagesSent++
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop terminates the run loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.logger.Info("websocket hub stopped")
}

// Broadcast queues a typed message for every connected client. Marshal
// failures are logged and dropped; a push channel must never take the
// license pipeline down.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping message",
			slog.String("type", msgType))
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub counters for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
	}
}
