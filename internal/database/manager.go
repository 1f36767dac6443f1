package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	// Driver registered for sql.Open("sqlite3", ...)
	_ "github.com/mattn/go-sqlite3"
	dbconfig "presencehub/pkg/database"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// writeRetryDelay is how long a failed write waits before its single retry.
var writeRetryDelay = 5 * time.Second

// Manager is the SQLite-backed UserStore.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer: SQLite allows one writer at a time
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// A failed write is retried exactly once; a missing user is not retried.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !errors.Is(err, interfaces.ErrUserNotFound) {
				log.Printf("Database write failed, retrying in %v: %v", writeRetryDelay, err)
				time.Sleep(writeRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// SetActive persists the active flag. Going active also bumps last_active.
func (m *Manager) SetActive(ctx context.Context, userID string, active bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			UPDATE users
			SET active = ?,
			    last_active = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE last_active END
			WHERE id = ?
		`
		res, err := db.ExecContext(ctx, query, boolToInt(active), active, userID)
		if err != nil {
			return fmt.Errorf("failed to update active flag for %s: %w", userID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return interfaces.ErrUserNotFound
		}
		return nil
	})
}

// ResetActive clears every active flag.
func (m *Manager) ResetActive(ctx context.Context) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `UPDATE users SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("failed to reset active flags: %w", err)
		}
		return nil
	})
}

// UpsertUser inserts or updates a user row. Presence flags are untouched on update.
func (m *Manager) UpsertUser(ctx context.Context, user *types.UserIdentity, email string) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if !types.IsValidRole(user.Role) {
		return types.ErrInvalidRole
	}

	var emailArg interface{}
	if email != "" {
		emailArg = email
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO users (id, username, surname, email, role)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				surname  = excluded.surname,
				email    = COALESCE(excluded.email, users.email),
				role     = excluded.role
		`
		if _, err := db.ExecContext(ctx, query, user.ID, user.Username, user.Surname, emailArg, string(user.Role)); err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
		}
		return nil
	})
}

// GetUser loads a single identity. Reads bypass the writer goroutine.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.UserIdentity, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, surname, role FROM users WHERE id = ?`, userID)

	var user types.UserIdentity
	var role string
	if err := row.Scan(&user.ID, &user.Username, &user.Surname, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user %s: %w", userID, err)
	}
	user.Role = types.Role(role)

	return &user, nil
}

// GetRole reads the current role of a user.
func (m *Manager) GetRole(ctx context.Context, userID string) (types.Role, error) {
	var role string
	err := m.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", interfaces.ErrUserNotFound
		}
		return "", fmt.Errorf("failed to query role for %s: %w", userID, err)
	}
	return types.Role(role), nil
}

// ListActive returns users whose active flag is set, ordered by id.
func (m *Manager) ListActive(ctx context.Context) ([]types.UserIdentity, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, username, surname, role FROM users WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []types.UserIdentity
	for rows.Next() {
		var user types.UserIdentity
		var role string
		if err := rows.Scan(&user.ID, &user.Username, &user.Surname, &role); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		user.Role = types.Role(role)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
