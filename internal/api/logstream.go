package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/varkas/deathwatch/internal/collector"
	"github.com/varkas/deathwatch/internal/config"
)

var errUnknownStreamServer = errors.New("unknown server")

// LogMessage is one frame on the log stream socket
type LogMessage struct {
	Type    string   `json:"type"`              // "initial", "lines", "error"
	Lines   []string `json:"lines,omitempty"`   // log lines
	Message string   `json:"message,omitempty"` // error message
}

// logStream is one server's live tail plus its subscribers. It is created
// with the first subscriber and torn down with the last.
type logStream struct {
	tailer  *collector.RawLogTailer
	clients map[*LogStreamClient]bool
	stop    chan struct{}
}

// LogStreamClient represents a client subscribed to log streaming
type LogStreamClient struct {
	conn     *websocket.Conn
	send     chan []byte
	serverID string
	manager  *LogStreamManager
}

// LogStreamManager shares one raw tail per server among that server's
// log-view subscribers.
type LogStreamManager struct {
	mu      sync.RWMutex
	cfg     *config.Config
	streams map[string]*logStream
}

// NewLogStreamManager creates a new log stream manager
func NewLogStreamManager(cfg *config.Config) *LogStreamManager {
	return &LogStreamManager{
		cfg:     cfg,
		streams: make(map[string]*logStream),
	}
}

// Subscribe adds a client to a server's log stream and returns the tail of
// the current file for initial display.
func (m *LogStreamManager) Subscribe(client *LogStreamClient, serverID string) ([]string, error) {
	srv, ok := m.cfg.ServerByID(serverID)
	if !ok {
		return nil, errUnknownStreamServer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[serverID]
	if stream == nil {
		stream = &logStream{
			tailer:  collector.NewRawLogTailer(srv.LogDir, m.cfg.Collector.FilePattern),
			clients: make(map[*LogStreamClient]bool),
			stop:    make(chan struct{}),
		}
		m.streams[serverID] = stream
	}

	lines, err := stream.tailer.ReadLastNLines(500)
	if err != nil {
		log.Printf("Log stream: reading initial lines for %s: %v", serverID, err)
		lines = []string{}
	}

	stream.clients[client] = true
	client.serverID = serverID

	if len(stream.clients) == 1 {
		if err := stream.tailer.Start(); err != nil {
			log.Printf("Log stream: starting tail for %s: %v", serverID, err)
		} else {
			go m.forward(serverID, stream)
		}
	}

	log.Printf("Log stream: client subscribed to %s (%d total)", serverID, len(stream.clients))
	return lines, nil
}

// Unsubscribe removes a client; the last one out stops the tail.
func (m *LogStreamManager) Unsubscribe(client *LogStreamClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[client.serverID]
	if stream == nil {
		return
	}

	delete(stream.clients, client)
	log.Printf("Log stream: client left %s (%d remaining)", client.serverID, len(stream.clients))

	if len(stream.clients) == 0 {
		stream.tailer.Stop()
		close(stream.stop)
		delete(m.streams, client.serverID)
		log.Printf("Log stream: stopped tail for %s", client.serverID)
	}
}

// forward batches tailed lines into frames and fans them out to the stream's
// subscribers. Runs until the stream is torn down.
func (m *LogStreamManager) forward(serverID string, stream *logStream) {
	for {
		select {
		case <-stream.stop:
			return

		case line := <-stream.tailer.Lines:
			// Coalesce whatever else is already queued into one frame.
			lines := []string{line}
			for drained := false; !drained; {
				select {
				case next := <-stream.tailer.Lines:
					lines = append(lines, next)
				default:
					drained = true
				}
			}

			data, _ := json.Marshal(LogMessage{Type: "lines", Lines: lines})
			m.mu.RLock()
			for client := range stream.clients {
				select {
				case client.send <- data:
				default:
					// Client buffer full, the read pump cleans it up
				}
			}
			m.mu.RUnlock()

		case err := <-stream.tailer.Errors:
			log.Printf("Log stream: tail error on %s: %v", serverID, err)
		}
	}
}

// handleLogWebSocket handles WebSocket connections for log streaming
func (r *Router) handleLogWebSocket(w http.ResponseWriter, req *http.Request) {
	// Validate auth from query parameter (WebSocket can't send headers on upgrade)
	token := req.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	claims, err := r.auth.ValidateToken(token)
	if err != nil || claims == nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	serverID := req.URL.Query().Get("server_id")
	if _, ok := r.cfg.ServerByID(serverID); !ok {
		writeError(w, http.StatusBadRequest, "invalid server_id")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Log WebSocket upgrade error: %v", err)
		return
	}

	client := &LogStreamClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		manager: r.logStream,
	}

	initialLines, err := r.logStream.Subscribe(client, serverID)
	if err != nil {
		log.Printf("Log subscription error: %v", err)
		msg := LogMessage{Type: "error", Message: "failed to subscribe to logs"}
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	// Send the tail of the current file before live lines start
	if len(initialLines) > 0 {
		msg := LogMessage{Type: "initial", Lines: initialLines}
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *LogStreamClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Log WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump sends messages to the WebSocket
func (c *LogStreamClient) writePump() {
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

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleLogStatus reports whether live logs are available for a server
func (r *Router) handleLogStatus(w http.ResponseWriter, req *http.Request) {
	serverID := req.PathValue("id")
	srv, ok := r.cfg.ServerByID(serverID)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	response := map[string]interface{}{
		"available": srv.LogDir != "",
		"log_dir":   srv.LogDir,
	}
	if tail, ok := r.manager.Status(serverID); ok {
		response["file"] = tail.File
	}
	writeJSON(w, http.StatusOK, response)
}
