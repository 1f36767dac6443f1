// Package presence keeps the persisted active flags in line with the
// connection registry and broadcasts presence snapshots.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"presencehub/internal/metrics"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// Source is the registry view the synchronizer reads from.
type Source interface {
	Snapshot() types.PresenceSnapshot
	UserIDs() []string
}

// Config controls store writes.
type Config struct {
	WriteTimeout time.Duration
}

type activeWrite struct {
	userID  string
	active  bool
	force   bool          // bypass the last-written cache
	barrier chan struct{} // set for Flush markers
}

// Synchronizer turns registry transitions into active-flag writes and
// active_users_update broadcasts. Writes are fire-and-forget: they run in
// FIFO order on one writer goroutine, and broadcasts never wait for them.
type Synchronizer struct {
	store       interfaces.UserStore
	source      Source
	broadcaster interfaces.Broadcaster
	metrics     *metrics.Metrics
	config      Config

	mu      sync.Mutex
	queue   []activeWrite
	stopped bool
	signal  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	// lastWritten is only touched by the writer goroutine.
	lastWritten map[string]bool

	mutated atomic.Bool
}

// NewSynchronizer creates a synchronizer. m may be nil.
func NewSynchronizer(store interfaces.UserStore, source Source, broadcaster interfaces.Broadcaster, m *metrics.Metrics, config Config) *Synchronizer {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Synchronizer{
		store:       store,
		source:      source,
		broadcaster: broadcaster,
		metrics:     m,
		config:      config,
		signal:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		lastWritten: make(map[string]bool),
	}
}

// Start launches the writer goroutine.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.writeLoop()
}

// Stop drains queued writes and stops the writer. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

// ResetStore clears every persisted active flag. Run at startup so users
// left active by a crashed process disappear, and after a clean shutdown.
func (s *Synchronizer) ResetStore(ctx context.Context) error {
	return s.store.ResetActive(ctx)
}

// UserOnline records an authenticate transition and broadcasts.
func (s *Synchronizer) UserOnline(userID string) int {
	s.mutated.Store(true)
	s.enqueue(activeWrite{userID: userID, active: true})
	return s.Publish()
}

// UserOffline records a remove transition and broadcasts.
func (s *Synchronizer) UserOffline(userID string) int {
	s.mutated.Store(true)
	s.enqueue(activeWrite{userID: userID, active: false})
	return s.Publish()
}

// ForceOffline writes active=false regardless of the cache. Used for an
// explicit logout, which may target a user this process never saw.
func (s *Synchronizer) ForceOffline(userID string) int {
	s.mutated.Store(true)
	s.enqueue(activeWrite{userID: userID, active: false, force: true})
	return s.Publish()
}

// Publish broadcasts the current registry snapshot.
func (s *Synchronizer) Publish() int {
	return s.broadcaster.Broadcast(types.NewActiveUsersEvent(s.source.Snapshot()))
}

// Reconcile re-writes active=true for every online user, bypassing the
// cache, then re-broadcasts. It heals writes lost to transient failures and
// is not a state transition.
func (s *Synchronizer) Reconcile() int {
	for _, userID := range s.source.UserIDs() {
		s.enqueue(activeWrite{userID: userID, active: true, force: true})
	}
	s.metrics.Reconcile()
	return s.Publish()
}

// InitialSnapshot is what a freshly admitted connection is shown. Until the
// registry has seen its first mutation the store's view is used.
func (s *Synchronizer) InitialSnapshot(ctx context.Context) types.PresenceSnapshot {
	if !s.mutated.Load() {
		users, err := s.store.ListActive(ctx)
		if err == nil {
			return types.NewPresenceSnapshot(users)
		}
		log.Printf("Presence: failed to list active users, using registry: %v", err)
	}
	return s.source.Snapshot()
}

// Flush blocks until every write queued before the call has been attempted.
func (s *Synchronizer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(activeWrite{barrier: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synchronizer) enqueue(w activeWrite) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if w.barrier == nil {
			log.Printf("Presence: dropping active=%v write for user=%s after stop", w.active, w.userID)
		}
		return false
	}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest write, waiting for one. It returns false once stopped
// and drained.
func (s *Synchronizer) next() (activeWrite, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			w := s.queue[0]
			s.queue[0] = activeWrite{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return w, true
		}
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return activeWrite{}, false
		}

		select {
		case <-s.signal:
		case <-s.stop:
		}
	}
}

func (s *Synchronizer) writeLoop() {
	defer s.wg.Done()

	for {
		w, ok := s.next()
		if !ok {
			return
		}
		if w.barrier != nil {
			close(w.barrier)
			continue
		}
		s.apply(w)
	}
}

func (s *Synchronizer) apply(w activeWrite) {
	if !w.force {
		if last, ok := s.lastWritten[w.userID]; ok && last == w.active {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if err := s.store.SetActive(ctx, w.userID, w.active); err != nil {
		// Forget the value so the next transition or reconcile pass writes again.
		delete(s.lastWritten, w.userID)
		s.metrics.StoreWrite(false)
		if errors.Is(err, interfaces.ErrUserNotFound) {
			log.Printf("Presence: user=%s not in store, active=%v not persisted", w.userID, w.active)
			return
		}
		log.Printf("Presence: failed to persist active=%v for user=%s: %v", w.active, w.userID, err)
		return
	}

	s.lastWritten[w.userID] = w.active
	s.metrics.StoreWrite(true)
}
