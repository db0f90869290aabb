// Package websocket streams alert state and notifications to local UIs
// Following Clean Architecture: This is an Adapter layer component
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

// Ensure EventHub implements Notifier
var _ ports.Notifier = (*EventHub)(nil)

// Message kinds on the stream
const (
	KindNotification = "notification"
	KindOverlay      = "overlay"
	KindSender       = "sender"
	KindGesture      = "gesture"
	KindChannel      = "channel"
	KindVideo        = "video"
)

// Envelope is one message on the stream
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

// EventHub fans out state snapshots and notifications to WebSocket clients.
// Uses Fan-out pattern: 1 session -> N UI clients, drop-if-full per client.
type EventHub struct {
	clients map[*Client]struct{}

	// Buffered channel (Non-blocking, Drop-if-full strategy)
	broadcast chan Envelope

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	mu sync.RWMutex

	// latest envelope per state kind, replayed to new clients
	latest map[string]Envelope

	recentMu sync.Mutex
	recent   []domain.Notification

	secretKey string
	upgrader  websocket.Upgrader
}

// Client represents a connected WebSocket client
type Client struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

const (
	broadcastBufferSize = 256
	clientBufferSize    = 64
	recentLimit         = 20

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// NewEventHub creates a hub. An empty secretKey disables the check.
func NewEventHub(secretKey string) *EventHub {
	return &EventHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Envelope, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		latest:     make(map[string]Envelope),
		secretKey:  secretKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local UIs only; protected by the secret key
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run is the hub's main loop; it disconnects every client when ctx is done
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			replay := make([]Envelope, 0, len(h.latest))
			for _, env := range h.latest {
				replay = append(replay, env)
			}
			h.mu.Unlock()

			for _, env := range replay {
				client.offer(env)
			}
			slog.Info("[EventHub] 🟢 Client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("[EventHub] 🔴 Client disconnected", "total", total)

		case env := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.offer(env)
			}
			h.mu.RUnlock()
		}
	}
}

// Notify implements ports.Notifier
func (h *EventHub) Notify(_ context.Context, n domain.Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	h.recentMu.Lock()
	h.recent = append(h.recent, n)
	if len(h.recent) > recentLimit {
		h.recent = h.recent[len(h.recent)-recentLimit:]
	}
	h.recentMu.Unlock()

	h.publish(KindNotification, n, false)
}

// PublishState broadcasts the latest snapshot of one state kind
func (h *EventHub) PublishState(kind string, state any) {
	h.publish(kind, state, true)
}

// Recent returns the newest notifications, oldest first
func (h *EventHub) Recent() []domain.Notification {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	return append([]domain.Notification(nil), h.recent...)
}

func (h *EventHub) publish(kind string, data any, retain bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("[EventHub] Failed to encode event", "type", kind, "error", err)
		return
	}
	env := Envelope{Type: kind, Data: raw, At: time.Now()}

	if retain {
		h.mu.Lock()
		h.latest[kind] = env
		h.mu.Unlock()
	}

	// CRITICAL: Non-blocking, the alert path must never wait on a UI
	select {
	case h.broadcast <- env:
	default:
		slog.Warn("[EventHub] Broadcast buffer full, dropping event", "type", kind)
	}
}

// ServeWS handles WebSocket upgrade requests
// Route: /ws/events?secret_key=...
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.secretKey != "" {
		key := r.URL.Query().Get("secret_key")
		if key == "" {
			key = r.Header.Get("X-Secret-Key")
		}
		if key != h.secretKey {
			http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
			slog.Warn("[EventHub] ⚠️ Unauthorized WebSocket attempt", "remote", r.RemoteAddr)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[EventHub] ❌ WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the current number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// offer queues env without blocking; a full client buffer skips it
func (c *Client) offer(env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// readPump drains the connection (pong responses only)
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("[EventHub] Read error", "error", err)
			}
			return
		}
	}
}

// writePump sends one envelope per text message
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
