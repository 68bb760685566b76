package api

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/varkas/deathwatch/internal/domain"
)

// getClientIP extracts the real client IP, checking proxy headers first
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (may contain multiple IPs, first is the client)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (strip port if present)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsHello is the first frame on every connection: a snapshot of coordinator
// state so a dashboard can render before the first live event arrives.
const wsHello = "hello"

// wsFrame pairs a marshaled event with its type so the hub can apply
// per-client subscriptions without unmarshaling again.
type wsFrame struct {
	eventType string
	payload   []byte
}

// subscribeRequest is the only message clients send: the event types they
// want. An empty list resets to everything.
type subscribeRequest struct {
	Subscribe []string `json:"subscribe"`
}

// WebSocketClient represents a connected monitoring client
type WebSocketClient struct {
	hub        *WebSocketHub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string

	mu     sync.Mutex
	filter map[string]bool // nil means every event type
}

func (c *WebSocketClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter == nil || c.filter[eventType]
}

func (c *WebSocketClient) setFilter(eventTypes []string) {
	var filter map[string]bool
	if len(eventTypes) > 0 {
		filter = make(map[string]bool, len(eventTypes))
		for _, et := range eventTypes {
			filter[et] = true
		}
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

// WebSocketHub fans ban-state events out to monitoring clients
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan wsFrame
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mu         sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan wsFrame, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
	}
}

// Run starts the hub's main loop
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected from %s (%d total)", client.remoteAddr, total)

		case client := <-h.unregister:
			h.drop(client)
			log.Printf("WebSocket client disconnected from %s (%d total)", client.remoteAddr, h.ClientCount())

		case frame := <-h.broadcast:
			// Fan out under the read lock; collect clients whose buffer
			// is full and drop them afterwards, a stalled reader must not
			// block the feed for everyone else.
			var stale []*WebSocketClient
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(frame.eventType) {
					continue
				}
				select {
				case client.send <- frame.payload:
				default:
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range stale {
				h.drop(client)
				log.Printf("WebSocket client %s stopped reading, dropped", client.remoteAddr)
			}
		}
	}
}

func (h *WebSocketHub) drop(client *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast queues an event for fan-out. When the hub is backed up the event
// is dropped rather than stalling the caller; the audit table stays complete
// regardless.
func (h *WebSocketHub) Broadcast(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event.Type, err)
		return
	}

	select {
	case h.broadcast <- wsFrame{eventType: event.Type, payload: data}:
	default:
		log.Printf("Broadcast channel full, dropping %s event", event.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	// Snapshot frame before the client joins the live feed.
	hello := domain.Event{
		Type:      wsHello,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"stats":       r.engine.Stats(),
			"policy_mode": r.cfg.Policy.Mode,
			"servers":     len(r.cfg.Servers),
		},
	}
	if data, err := json.Marshal(hello); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	client := &WebSocketClient{
		hub:        r.wsHub,
		conn:       conn,
		send:       make(chan []byte, 256),
		remoteAddr: getClientIP(req),
	}

	r.wsHub.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages from the WebSocket and handles close
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var sub subscribeRequest
		if err := json.Unmarshal(data, &sub); err != nil {
			continue // anything but a subscribe message is ignored
		}
		c.setFilter(sub.Subscribe)
	}
}

// writePump sends messages to the WebSocket
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into this write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
