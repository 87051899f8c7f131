package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/earthring/assetpipe/internal/engine"
	"github.com/earthring/assetpipe/internal/streaming"
	"github.com/earthring/assetpipe/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Supported WebSocket protocol versions
	ProtocolVersion1 = "assetpipe-v1"

	// Default ping interval (30 seconds)
	defaultPingInterval = 30 * time.Second

	// Pong wait timeout (60 seconds)
	pongWait = 60 * time.Second

	// Write timeout (10 seconds)
	writeTimeout = 10 * time.Second

	sendQueue = 256
)

// WebSocketConnection represents one connected render surface. Its ID doubles
// as the view streaming session ID.
type WebSocketConnection struct {
	id      string
	conn    *websocket.Conn
	version string
	hub     *WebSocketHub
	logger  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// queue hands a message to the write pump. It reports false when the
// connection is closed or its queue is full.
func (c *WebSocketConnection) queue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *WebSocketConnection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WebSocketHub manages all active WebSocket connections
type WebSocketHub struct {
	connections map[*WebSocketConnection]bool
	broadcast   chan []byte
	register    chan *WebSocketConnection
	unregister  chan *WebSocketConnection
	done        chan struct{}
	mu          sync.RWMutex
	logger      *slog.Logger
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebSocketError represents an error message sent over WebSocket
type WebSocketError struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// FramesMessage reports frames rendered since the previous report.
type FramesMessage struct {
	Count int64 `json:"count" validate:"gte=1"`
}

// ViewMessage replaces the connection's view window.
type ViewMessage struct {
	Entries []streaming.ViewEntry `json:"entries" validate:"max=4096"`
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		connections: make(map[*WebSocketConnection]bool),
		broadcast:   make(chan []byte, sendQueue),
		register:    make(chan *WebSocketConnection),
		unregister:  make(chan *WebSocketConnection),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop. All connections are closed when ctx ends.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.connections {
			conn.closeSend()
			delete(h.connections, conn)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket connection registered", "connection_id", conn.id, "version", conn.version)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket connection unregistered", "connection_id", conn.id)

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if !conn.queue(message) {
					h.logger.Warn("dropping slow WebSocket connection", "connection_id", conn.id)
					conn.closeSend()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// ConnectionCount returns the number of registered connections.
func (h *WebSocketHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *WebSocketHub) add(conn *WebSocketConnection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *WebSocketHub) remove(conn *WebSocketConnection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// WebSocketHandlers handles WebSocket connections
type WebSocketHandlers struct {
	hub      *WebSocketHub
	engine   *engine.Engine
	pipeline *PipelineHandlers
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandlers creates a new WebSocket handlers instance
func NewWebSocketHandlers(eng *engine.Engine, allowedOrigins []string, logger *slog.Logger) *WebSocketHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket")
	return &WebSocketHandlers{
		hub:      NewWebSocketHub(logger),
		engine:   eng,
		pipeline: NewPipelineHandlers(eng, logger),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Run drives the hub and forwards pipeline events to every connection until
// ctx ends or the engine stops.
func (h *WebSocketHandlers) Run(ctx context.Context) {
	go h.hub.Run(ctx)

	events, cancel := h.engine.Events()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			message, err := encodeEvent(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			h.hub.Broadcast(message)
		}
	}
}

func encodeEvent(ev engine.Event) ([]byte, error) {
	var payload any
	switch ev.Type {
	case engine.EventJobUpdate:
		payload = ev.Job
	case engine.EventQualityChanged:
		payload = ev.Settings
	case engine.EventSample:
		payload = ev.Sample
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebSocketMessage{Type: ev.Type, Data: data})
}

// HandleWebSocket handles WebSocket connection upgrades
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Negotiate protocol version
	requestedVersions := r.Header.Get("Sec-WebSocket-Protocol")
	selectedVersion := h.negotiateVersion(requestedVersions)
	if selectedVersion == "" {
		h.logger.Warn("WebSocket version negotiation failed", "requested", requestedVersions)
		http.Error(w, "Unsupported protocol version", http.StatusBadRequest)
		return
	}

	responseHeaders := http.Header{}
	responseHeaders.Set("Sec-WebSocket-Protocol", selectedVersion)

	conn, err := h.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	wsConn := &WebSocketConnection{
		id:      uuid.NewString(),
		conn:    conn,
		version: selectedVersion,
		send:    make(chan []byte, sendQueue),
		hub:     h.hub,
		logger:  h.logger,
	}
	if err := h.engine.OpenSession(wsConn.id); err != nil {
		h.logger.Error("failed to open view session", "connection_id", wsConn.id, "error", err)
		conn.Close()
		return
	}
	if !h.hub.add(wsConn) {
		h.engine.CloseSession(wsConn.id)
		conn.Close()
		return
	}

	go wsConn.writePump()
	go wsConn.readPump(h)
}

// negotiateVersion selects the highest supported protocol version
func (h *WebSocketHandlers) negotiateVersion(requested string) string {
	if requested == "" {
		// Default to v1 if no version specified
		return ProtocolVersion1
	}

	requestedVersions := strings.Split(requested, ",")
	for i := range requestedVersions {
		requestedVersions[i] = strings.TrimSpace(requestedVersions[i])
	}

	// Supported versions in order (highest first)
	supportedVersions := []string{ProtocolVersion1}

	for _, supported := range supportedVersions {
		for _, requested := range requestedVersions {
			if requested == supported {
				return supported
			}
		}
	}
	return ""
}

// readPump handles incoming messages from the WebSocket connection
func (c *WebSocketConnection) readPump(handlers *WebSocketHandlers) {
	defer func() {
		handlers.engine.CloseSession(c.id)
		c.hub.remove(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close connection", "connection_id", c.id, "error", err)
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", "connection_id", c.id, "error", err)
			}
			break
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.sendError("", "Invalid message format", "InvalidMessageFormat")
			continue
		}
		handlers.handleMessage(c, &msg)
	}
}

// writePump handles outgoing messages to the WebSocket connection. Messages
// queued while a frame is being written are joined into it, one per line.
func (c *WebSocketConnection) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				if _, err := w.Write([]byte{'\n'}); err != nil {
					w.Close()
					return
				}
				if _, err := w.Write(next); err != nil {
					w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError sends an error message to the client
func (c *WebSocketConnection) sendError(id, errorMsg, code string) {
	messageBytes, err := json.Marshal(WebSocketError{
		Type:    "error",
		ID:      id,
		Error:   errorMsg,
		Message: errorMsg,
		Code:    code,
	})
	if err != nil {
		c.logger.Error("failed to marshal error message", "error", err)
		return
	}
	if !c.queue(messageBytes) {
		c.logger.Warn("failed to send error message: channel full", "connection_id", c.id)
	}
}

// sendMessage replies to one request. A nil payload sends no data.
func (c *WebSocketConnection) sendMessage(msgType, id string, payload any) {
	msg := WebSocketMessage{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("failed to marshal reply", "type", msgType, "error", err)
			return
		}
		msg.Data = data
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msgType, "error", err)
		return
	}
	if !c.queue(messageBytes) {
		c.logger.Warn("failed to send reply: channel full", "connection_id", c.id, "type", msgType)
	}
}

// handleMessage routes messages to appropriate handlers
func (h *WebSocketHandlers) handleMessage(conn *WebSocketConnection, msg *WebSocketMessage) {
	switch msg.Type {
	case "ping":
		conn.sendMessage("pong", msg.ID, nil)
	case "frames":
		h.handleFrames(conn, msg)
	case "sample":
		h.handleSample(conn, msg)
	case "environment":
		h.handleEnvironment(conn, msg)
	case "view":
		h.handleView(conn, msg)
	case "preload":
		h.handlePreload(conn, msg)
	default:
		conn.sendError(msg.ID, "Unknown message type", "UnknownMessageType")
	}
}

// decodeData unmarshals and validates msg.Data, replying with an error on failure.
func (h *WebSocketHandlers) decodeData(conn *WebSocketConnection, msg *WebSocketMessage, dst any) bool {
	if len(msg.Data) == 0 {
		conn.sendError(msg.ID, "Missing message data", "InvalidMessageFormat")
		return false
	}
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		conn.sendError(msg.ID, "Invalid message data", "InvalidMessageFormat")
		return false
	}
	if err := h.pipeline.validator.Struct(dst); err != nil {
		conn.sendError(msg.ID, err.Error(), "ValidationError")
		return false
	}
	return true
}

func (h *WebSocketHandlers) handleFrames(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req FramesMessage
	if !h.decodeData(conn, msg, &req) {
		return
	}
	h.engine.ReportFrames(req.Count)
}

func (h *WebSocketHandlers) handleSample(conn *WebSocketConnection, msg *WebSocketMessage) {
	var sample telemetry.Sample
	if !h.decodeData(conn, msg, &sample) {
		return
	}
	if !sample.Valid() {
		conn.sendError(msg.ID, "fps must be a positive number", "ValidationError")
		return
	}
	h.engine.PublishSample(sample)
}

func (h *WebSocketHandlers) handleEnvironment(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req EnvironmentRequest
	if !h.decodeData(conn, msg, &req) {
		return
	}
	env := h.engine.SetEnvironment(req.Device, req.Connection)
	conn.sendMessage("environment", msg.ID, EnvironmentResponse{
		Environment: env,
		Ceiling:     h.engine.Ceiling(),
		Settings:    h.engine.Settings(),
	})
}

func (h *WebSocketHandlers) handleView(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req ViewMessage
	if !h.decodeData(conn, msg, &req) {
		return
	}
	delta, err := h.engine.UpdateView(conn.id, req.Entries)
	if err != nil {
		conn.sendError(msg.ID, err.Error(), "InvalidView")
		return
	}
	conn.sendMessage("view_delta", msg.ID, delta)
}

func (h *WebSocketHandlers) handlePreload(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req PreloadRequest
	if !h.decodeData(conn, msg, &req) {
		return
	}
	resp, err := h.pipeline.enqueue(req)
	if err != nil {
		conn.sendError(msg.ID, err.Error(), "InvalidRequest")
		return
	}
	conn.sendMessage("preload_queued", msg.ID, resp)
}

// GetHub returns the WebSocket hub
func (h *WebSocketHandlers) GetHub() *WebSocketHub {
	return h.hub
}
