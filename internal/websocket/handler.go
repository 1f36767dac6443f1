package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Lifecycle receives connection open/close events. The hub implements it.
type Lifecycle interface {
	Admit(conn *Connection) error
	Remove(conn *Connection)
}

// MessageHandler receives inbound text frames. The router implements it.
type MessageHandler interface {
	HandleMessage(conn *Connection, data []byte)
}

// HandlerConfig carries transport limits.
type HandlerConfig struct {
	// ReadTimeout must exceed two heartbeat periods so the heartbeat, not the
	// read deadline, is what evicts silent clients.
	ReadTimeout    time.Duration
	MaxMessageSize int64
	AllowedOrigins []string // empty allows every origin
}

// Handler upgrades HTTP requests and runs the per-connection read loop.
type Handler struct {
	lifecycle Lifecycle
	messages  MessageHandler
	config    HandlerConfig
	upgrader  websocket.Upgrader
}

// NewHandler creates a new WebSocket handler
func NewHandler(lifecycle Lifecycle, messages MessageHandler, config HandlerConfig) *Handler {
	h := &Handler{
		lifecycle: lifecycle,
		messages:  messages,
		config:    config,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket admits the connection unauthenticated; identity arrives
// later in an authenticate message.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)

	if err := h.lifecycle.Admit(wsConn); err != nil {
		log.Printf("Failed to admit conn=%s: %v", wsConn.ID(), err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.lifecycle.Remove(conn)
		_ = conn.Close()
	}()

	if h.config.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageSize)
	}
	if err := h.extendReadDeadline(conn); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return h.extendReadDeadline(conn)
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error on conn=%s user=%s: %v", conn.ID(), conn.GetUserID(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			log.Printf("Dropping non-text frame from conn=%s", conn.ID())
			continue
		}

		if err := h.extendReadDeadline(conn); err != nil {
			return
		}
		h.messages.HandleMessage(conn, data)
	}
}

func (h *Handler) extendReadDeadline(conn *Connection) error {
	if h.config.ReadTimeout <= 0 {
		return conn.conn.SetReadDeadline(time.Time{})
	}
	return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
}
