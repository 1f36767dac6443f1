package websocket

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"presencehub/internal/metrics"
	"presencehub/pkg/types"
)

// Registry tracks every admitted connection and, per user id, the single
// authoritative handle. Mutations are driven from the hub loop; the RWMutex
// lets the REST layer read concurrently.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // handle id -> Connection, authenticated or not
	users       map[string]*Connection // user id -> authoritative Connection
	metrics     *metrics.Metrics
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		users:       make(map[string]*Connection),
	}
}

// SetMetrics attaches a metrics sink. Call before the registry is shared.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Admit registers a new unauthenticated connection.
func (r *Registry) Admit(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	r.connections[conn.ID()] = conn
	r.mu.Unlock()

	r.metrics.ConnectionAdmitted()
	r.recordSize()
	return nil
}

// Authenticate binds identity to conn. Last wins: an existing handle for the
// same user loses authority but stays registered, and regains it if the
// newer handle closes first.
// cameOnline is true when the user had no authoritative handle before.
func (r *Registry) Authenticate(conn *Connection, identity *types.UserIdentity) (cameOnline bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if identity == nil {
		return false, ErrNilIdentity
	}

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		if err == nil {
			r.recordSize()
		}
	}()

	if _, ok := r.connections[conn.ID()]; !ok {
		return false, ErrConnectionNotAdmitted
	}
	if bound := conn.GetUserID(); bound != "" && bound != identity.ID {
		return false, ErrAlreadyAuthenticated
	}

	previous, exists := r.users[identity.ID]
	if exists && previous != conn {
		log.Printf("User %s re-authenticated on conn=%s; conn=%s is no longer authoritative",
			identity.ID, conn.ID(), previous.ID())
	}

	conn.setIdentity(identity)
	r.users[identity.ID] = conn

	return !exists, nil
}

// Remove unregisters conn. Idempotent. When conn was the user's authoritative
// handle, the newest remaining handle bound to the same user takes over.
// wentOffline is true only when the user has no handle left.
func (r *Registry) Remove(conn *Connection) (userID string, wentOffline bool) {
	if conn == nil {
		return "", false
	}

	r.mu.Lock()
	if _, ok := r.connections[conn.ID()]; !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.connections, conn.ID())

	userID = conn.GetUserID()
	if userID != "" && r.users[userID] == conn {
		if successor := r.newestHandleLocked(userID); successor != nil {
			r.users[userID] = successor
			log.Printf("User %s: conn=%s closed, conn=%s is now authoritative",
				userID, conn.ID(), successor.ID())
		} else {
			delete(r.users, userID)
			wentOffline = true
		}
	}
	r.mu.Unlock()

	r.recordSize()
	return userID, wentOffline
}

// newestHandleLocked returns the most recently admitted handle still bound to
// userID, or nil. Caller holds r.mu.
func (r *Registry) newestHandleLocked(userID string) *Connection {
	var newest *Connection
	for _, candidate := range r.connections {
		if candidate.GetUserID() != userID {
			continue
		}
		if newest == nil || candidate.ConnectedAt().After(newest.ConnectedAt()) {
			newest = candidate
		}
	}
	return newest
}

// Broadcast encodes event once and queues it on every authenticated handle.
// A failing recipient is logged and skipped. Returns the number of handles
// the frame was queued on.
func (r *Registry) Broadcast(event interface{}) int {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Broadcast dropped: failed to encode %T: %v", event, err)
		return 0
	}

	r.mu.RLock()
	recipients := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.IsAuthenticated() {
			recipients = append(recipients, conn)
		}
	}
	r.mu.RUnlock()

	delivered, failed := 0, 0
	for _, conn := range recipients {
		if err := conn.Send(data); err != nil {
			failed++
			log.Printf("Broadcast to user=%s conn=%s failed: %v", conn.GetUserID(), conn.ID(), err)
			continue
		}
		delivered++
	}

	r.metrics.Broadcast(eventType(event), failed)
	return delivered
}

// Snapshot builds the presence snapshot from authoritative handles.
func (r *Registry) Snapshot() types.PresenceSnapshot {
	r.mu.RLock()
	users := make([]types.UserIdentity, 0, len(r.users))
	for _, conn := range r.users {
		if identity := conn.Identity(); identity != nil {
			users = append(users, *identity)
		}
	}
	r.mu.RUnlock()

	return types.NewPresenceSnapshot(users)
}

// UserIDs returns the ids of all online users, sorted.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Connections returns every admitted handle.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// UserConnections returns every handle bound to userID, stale ones included.
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.connections {
		if conn.GetUserID() == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// DisconnectUser removes and closes every handle bound to userID and
// returns how many were closed.
func (r *Registry) DisconnectUser(userID string) int {
	closed := 0
	for _, conn := range r.UserConnections(userID) {
		r.Remove(conn)
		_ = conn.Close()
		closed++
	}
	return closed
}

// GetUserConnection returns the authoritative handle for a user.
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.users[userID]
	return conn, exists
}

// IsOnline reports whether userID has an authoritative handle.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.GetUserConnection(userID)
	return ok
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	authenticated := 0
	for _, conn := range r.connections {
		if conn.IsAuthenticated() {
			authenticated++
		}
	}

	return map[string]int{
		"total_connections":         len(r.connections),
		"authenticated_connections": authenticated,
		"online_users":              len(r.users),
	}
}

func (r *Registry) recordSize() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	connections, users := len(r.connections), len(r.users)
	r.mu.RUnlock()
	r.metrics.SetConnections(connections, users)
}

// eventType pulls the wire "type" out of the event structs in pkg/types.
func eventType(event interface{}) string {
	switch e := event.(type) {
	case *types.ActiveUsersEvent:
		return e.Type
	case *types.LessonStartedEvent:
		return e.Type
	case *types.LessonEndedEvent:
		return e.Type
	case *types.GroupMessageEvent:
		return e.Type
	case *types.ErrorEvent:
		return e.Type
	default:
		return "other"
	}
}
