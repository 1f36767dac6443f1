package interfaces

import (
	"context"

	"presencehub/pkg/types"
)

// UserStore is the relational user table as seen by the presence core.
// Implementations must offer atomic single-row read/update; no multi-row
// transactions are assumed.
type UserStore interface {
	// SetActive persists the per-user active flag.
	SetActive(ctx context.Context, userID string, active bool) error

	// GetRole reads the current role, used to re-validate privileged commands
	// since a role cached at authentication time can be stale.
	GetRole(ctx context.Context, userID string) (types.Role, error)

	// GetUser loads the identity bound to a connection on authentication.
	// Returns ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, userID string) (*types.UserIdentity, error)

	// ListActive returns users flagged active, used for the initial snapshot
	// before the registry has seen any mutation.
	ListActive(ctx context.Context) ([]types.UserIdentity, error)

	// ResetActive clears every active flag; run once at startup.
	ResetActive(ctx context.Context) error

	HealthCheck(ctx context.Context) error
	Close() error
}
