package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentium/internal/logging"
	"agentium/internal/notify"
	"agentium/internal/provider"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication happens before the upgrade via the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is the envelope pushed to sovereign clients.
type wsEvent struct {
	Kind     string                 `json:"kind"`
	Severity string                 `json:"severity,omitempty"`
	Message  string                 `json:"message"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(ev wsEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes provider alerts and governance events to connected
// sovereign WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

// Run forwards both event feeds to connected clients until ctx ends.
func (h *Hub) Run(ctx context.Context, providerEvents <-chan provider.Event, notifyEvents <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-providerEvents:
			if !ok {
				providerEvents = nil
				continue
			}
			h.broadcast(wsEvent{
				Kind: ev.Kind, Severity: ev.Severity, Message: ev.Message,
				Payload: ev.Payload, At: time.Now().UTC(),
			})
		case ev, ok := <-notifyEvents:
			if !ok {
				notifyEvents = nil
				continue
			}
			h.broadcast(wsEvent{
				Kind: ev.Kind, Severity: ev.Severity, Message: ev.Body,
				Payload: ev.Payload, At: ev.At,
			})
		}
	}
}

func (h *Hub) broadcast(ev wsEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.send(ev); err != nil {
			logging.Get(logging.CategoryAPI).Debug("ws send failed: %v", err)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades a sovereign connection and keeps it registered
// until the peer disconnects.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("ws upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	logging.API("Sovereign WebSocket client connected from %s", r.RemoteAddr)

	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		logging.API("Sovereign WebSocket client disconnected")
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			client.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// The push channel is one-way; drain reads only to detect close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
