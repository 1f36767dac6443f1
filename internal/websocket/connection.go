package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presencehub/pkg/types"
)

// ProbeState is the heartbeat state of a connection.
type ProbeState int

const (
	ProbeAlive ProbeState = iota
	ProbeAwaitingPong
)

func (s ProbeState) String() string {
	switch s {
	case ProbeAlive:
		return "alive"
	case ProbeAwaitingPong:
		return "awaiting_pong"
	default:
		return "unknown"
	}
}

const (
	sendBufferSize = 100
	writeTimeout   = 5 * time.Second
)

// Connection implements the interfaces.Connection interface.
// All data frames go through a single writer goroutine; control frames use
// WriteControl, which gorilla allows concurrently with the writer.
type Connection struct {
	id          string
	conn        *websocket.Conn
	writeCh     chan []byte
	identity    *types.UserIdentity // nil until authenticated
	probe       ProbeState
	lastPong    time.Time
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	mu          sync.RWMutex // protects identity and probe fields
}

// NewConnection creates a new WebSocket connection wrapper
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Connection{
		id:          uuid.NewString(),
		conn:        conn,
		writeCh:     make(chan []byte, sendBufferSize),
		probe:       ProbeAlive,
		lastPong:    now,
		connectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if c.conn == nil {
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Leave the handle in place; the heartbeat reaps it.
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a message, waiting up to five seconds for buffer space.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send queues an already encoded frame without blocking. Broadcast uses it so
// one stuck client cannot stall the fan-out.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping writes a ping control frame.
func (c *Connection) Ping(timeout time.Duration) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	if c.conn == nil {
		return ErrConnectionClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Close cancels the writer and closes the transport. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) setIdentity(identity *types.UserIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *identity
	c.identity = &copied
}

// Identity returns a copy of the bound identity, or nil.
func (c *Connection) Identity() *types.UserIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return nil
	}
	copied := *c.identity
	return &copied
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity != nil
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.ID
}

// BeginProbe starts a heartbeat cycle. It reports missed=true when the
// previous cycle's ping is still unanswered; otherwise the connection moves
// to awaiting_pong.
func (c *Connection) BeginProbe() (missed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probe == ProbeAwaitingPong {
		return true
	}
	c.probe = ProbeAwaitingPong
	return false
}

// MarkAlive records a pong.
func (c *Connection) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probe = ProbeAlive
	c.lastPong = time.Now()
}

func (c *Connection) ProbeState() ProbeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probe
}

func (c *Connection) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}
