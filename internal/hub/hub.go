// Package hub owns the event loop. Every registry mutation, heartbeat tick,
// reconcile pass and lesson expiry runs on one goroutine, in arrival order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"presencehub/internal/heartbeat"
	"presencehub/internal/metrics"
	"presencehub/internal/presence"
	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// IdentityLookup resolves a user id to an identity. The user store implements it.
type IdentityLookup interface {
	GetUser(ctx context.Context, userID string) (*types.UserIdentity, error)
}

// LessonSource lists live lessons for replay to late joiners.
type LessonSource interface {
	Active() []types.LessonSession
}

// Config controls loop timing.
type Config struct {
	ReconcileInterval time.Duration
	EventBuffer       int
	LookupTimeout     time.Duration
}

// DefaultConfig reconciles every 30s.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 30 * time.Second,
		EventBuffer:       1000,
		LookupTimeout:     5 * time.Second,
	}
}

// Hub coordinates connection lifecycle, presence and heartbeats.
type Hub struct {
	events          chan func()
	shutdownChannel chan struct{}
	done            chan struct{}

	registry   *websocket.Registry
	presence   *presence.Synchronizer
	lessons    LessonSource
	monitor    *heartbeat.Monitor
	identities IdentityLookup
	metrics    *metrics.Metrics
	config     Config

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, presenceSync *presence.Synchronizer, lessons LessonSource, monitor *heartbeat.Monitor, identities IdentityLookup, m *metrics.Metrics, config Config) *Hub {
	defaults := DefaultConfig()
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = defaults.LookupTimeout
	}
	return &Hub{
		events:     make(chan func(), config.EventBuffer),
		registry:   registry,
		presence:   presenceSync,
		lessons:    lessons,
		monitor:    monitor,
		identities: identities,
		metrics:    m,
		config:     config,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Printf("Starting hub (heartbeat %v, reconcile %v)", h.monitor.Interval(), h.config.ReconcileInterval)
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop ends the loop and waits for it to exit. Queued events are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	log.Println("Stopping hub...")
	<-done
	h.monitor.Wait()
	return nil
}

// IsRunning reports whether the loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Enqueue schedules f on the loop without waiting for it to run. Lesson
// timer expiries use it.
func (h *Hub) Enqueue(f func()) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	shutdown := h.shutdownChannel
	h.mu.RUnlock()

	select {
	case h.events <- f:
		return nil
	case <-shutdown:
		return ErrHubNotRunning
	}
}

// do runs f on the loop and waits for it.
func (h *Hub) do(f func()) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	shutdown, loopDone := h.shutdownChannel, h.done
	h.mu.RUnlock()

	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		f()
	}

	select {
	case h.events <- task:
	case <-shutdown:
		return ErrHubNotRunning
	}

	select {
	case <-finished:
		return nil
	case <-loopDone:
		return ErrHubNotRunning
	}
}

// Admit registers a new unauthenticated connection and shows it the current
// presence.
func (h *Hub) Admit(conn *websocket.Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.LookupTimeout)
	snapshot := h.presence.InitialSnapshot(ctx)
	cancel()

	var admitErr error
	if err := h.do(func() { admitErr = h.registry.Admit(conn) }); err != nil {
		return err
	}
	if admitErr != nil {
		return admitErr
	}

	log.Printf("Connection admitted: conn=%s", conn.ID())

	if err := conn.WriteJSON(types.NewActiveUsersEvent(snapshot)); err != nil {
		log.Printf("Failed to send initial presence to conn=%s: %v", conn.ID(), err)
	}
	return nil
}

// Authenticate resolves userID through the store on the caller's goroutine,
// then binds it on the loop. A live lesson is replayed to the connection so a
// late joiner sees it.
func (h *Hub) Authenticate(ctx context.Context, conn *websocket.Connection, userID string) error {
	identity, err := h.identities.GetUser(ctx, userID)
	if err != nil {
		h.metrics.Authentication(false)
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("failed to look up user %s: %w", userID, err)
	}

	var bindErr error
	if err := h.do(func() {
		var cameOnline bool
		cameOnline, bindErr = h.registry.Authenticate(conn, identity)
		if bindErr != nil {
			return
		}
		if cameOnline {
			log.Printf("User online: user=%s conn=%s", identity.ID, conn.ID())
		}
		h.presence.UserOnline(identity.ID)
	}); err != nil {
		return err
	}
	if bindErr != nil {
		h.metrics.Authentication(false)
		return bindErr
	}
	h.metrics.Authentication(true)

	for _, session := range h.lessons.Active() {
		session := session
		if err := conn.WriteJSON(types.NewLessonStartedEvent(&session)); err != nil {
			log.Printf("Failed to replay lesson %s to conn=%s: %v", session.LessonID, conn.ID(), err)
			break
		}
	}
	return nil
}

// Remove unregisters a closed connection. It is safe after Stop, in which
// case presence is not re-broadcast.
func (h *Hub) Remove(conn *websocket.Connection) {
	if err := h.do(func() { h.remove(conn, "disconnected") }); err != nil {
		h.registry.Remove(conn)
	}
}

func (h *Hub) remove(conn *websocket.Connection, reason string) {
	userID, wentOffline := h.registry.Remove(conn)
	if !wentOffline {
		return
	}
	log.Printf("User offline: user=%s conn=%s (%s)", userID, conn.ID(), reason)
	h.presence.UserOffline(userID)
}

// Logout closes every handle of userID, persists active=false and
// broadcasts. It is the in-process hook for the REST logout endpoint.
func (h *Hub) Logout(userID string) (int, error) {
	closed := 0
	err := h.do(func() {
		closed = h.registry.DisconnectUser(userID)
		h.presence.ForceOffline(userID)
	})
	if err != nil {
		return 0, err
	}
	log.Printf("User logged out: user=%s closed=%d", userID, closed)
	return closed, nil
}

// Snapshot returns the current presence.
func (h *Hub) Snapshot() types.PresenceSnapshot {
	return h.registry.Snapshot()
}

// Stats returns hub statistics for the health endpoint.
func (h *Hub) Stats() map[string]int {
	stats := h.registry.GetStats()
	stats["active_lessons"] = len(h.lessons.Active())
	return stats
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("Hub processing stopped")

	heartbeatTicker := time.NewTicker(h.monitor.Interval())
	defer heartbeatTicker.Stop()
	reconcileTicker := time.NewTicker(h.config.ReconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case f := <-h.events:
			f()

		case <-heartbeatTicker.C:
			h.heartbeat()

		case <-reconcileTicker.C:
			h.presence.Reconcile()

		case <-shutdown:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdownChannel)
			}
			h.mu.Unlock()
			return
		}
	}
}

// heartbeat runs one probe cycle and evicts connections that missed two.
func (h *Hub) heartbeat() {
	conns := h.registry.Connections()
	targets := make([]heartbeat.Target, len(conns))
	for i, conn := range conns {
		targets[i] = conn
	}

	for _, target := range h.monitor.Tick(targets) {
		conn := target.(*websocket.Connection)
		h.remove(conn, "heartbeat timeout")
		_ = conn.Close()
	}
}
