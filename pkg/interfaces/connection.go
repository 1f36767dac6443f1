package interfaces

import "presencehub/pkg/types"

// Connection is a live client handle as seen outside the websocket package.
type Connection interface {
	// WriteJSON queues a JSON message for the client; safe for concurrent use.
	WriteJSON(v interface{}) error

	// Close closes the transport. Idempotent.
	Close() error

	// ID is the server-assigned handle id.
	ID() string

	// GetUserID returns the bound user id, or "" before authentication.
	GetUserID() string

	// Identity returns the bound identity, or nil before authentication.
	Identity() *types.UserIdentity

	IsAuthenticated() bool
}

// Broadcaster fans an event out to every authenticated connection and
// returns the number of successful deliveries.
type Broadcaster interface {
	Broadcast(event interface{}) int
}
