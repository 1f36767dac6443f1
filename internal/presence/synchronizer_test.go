package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"presencehub/internal/metrics"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

type write struct {
	userID string
	active bool
}

type fakeStore struct {
	mu       sync.Mutex
	writes   []write
	failNext int
	active   []types.UserIdentity
	listErr  error
	resets   int
	missing  map[string]bool
}

func (f *fakeStore) SetActive(ctx context.Context, userID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[userID] {
		return interfaces.ErrUserNotFound
	}
	if f.failNext > 0 {
		f.failNext--
		return errors.New("database is locked")
	}
	f.writes = append(f.writes, write{userID, active})
	return nil
}

func (f *fakeStore) GetRole(ctx context.Context, userID string) (types.Role, error) {
	return types.RoleStudent, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*types.UserIdentity, error) {
	return nil, interfaces.ErrUserNotFound
}

func (f *fakeStore) ListActive(ctx context.Context) ([]types.UserIdentity, error) {
	return f.active, f.listErr
}

func (f *fakeStore) ResetActive(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                          { return nil }

func (f *fakeStore) recorded() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

type fakeSource struct {
	mu    sync.Mutex
	users map[string]types.UserIdentity
}

func newFakeSource() *fakeSource {
	return &fakeSource{users: make(map[string]types.UserIdentity)}
}

func (f *fakeSource) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = types.UserIdentity{ID: id, Username: "u" + id, Role: types.RoleStudent}
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
}

func (f *fakeSource) Snapshot() types.PresenceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]types.UserIdentity, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	return types.NewPresenceSnapshot(users)
}

func (f *fakeSource) UserIDs() []string {
	snapshot := f.Snapshot()
	ids := make([]string, len(snapshot))
	for i, e := range snapshot {
		ids[i] = e.ID
	}
	return ids
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*types.ActiveUsersEvent
}

func (f *fakeBroadcaster) Broadcast(event interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := event.(*types.ActiveUsersEvent); ok {
		f.events = append(f.events, e)
	}
	return 1
}

func (f *fakeBroadcaster) last() *types.ActiveUsersEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

func newTestSynchronizer(t *testing.T, store *fakeStore) (*Synchronizer, *fakeSource, *fakeBroadcaster) {
	t.Helper()
	source := newFakeSource()
	broadcaster := &fakeBroadcaster{}
	s := NewSynchronizer(store, source, broadcaster, nil, Config{WriteTimeout: time.Second})
	s.Start()
	t.Cleanup(s.Stop)
	return s, source, broadcaster
}

func flush(t *testing.T, s *Synchronizer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestSynchronizer_OnlineOfflineBroadcasts(t *testing.T) {
	store := &fakeStore{}
	s, source, broadcaster := newTestSynchronizer(t, store)

	source.add("42")
	s.UserOnline("42")
	if ev := broadcaster.last(); ev == nil || !ev.Users.Contains("42") || ev.Type != types.MessageTypeActiveUsersUpdate {
		t.Fatalf("Expected snapshot with 42, got %+v", ev)
	}

	source.remove("42")
	s.UserOffline("42")
	if ev := broadcaster.last(); ev.Users.Contains("42") {
		t.Error("Snapshot after offline should omit 42")
	}

	flush(t, s)
	got := store.recorded()
	want := []write{{"42", true}, {"42", false}}
	if len(got) != len(want) {
		t.Fatalf("Expected writes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Write %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSynchronizer_WritesAreOrderedPerUser(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestSynchronizer(t, store)

	for i := 0; i < 50; i++ {
		s.UserOnline("7")
		s.UserOffline("7")
	}
	s.UserOnline("7")
	flush(t, s)

	got := store.recorded()
	if len(got) == 0 || got[len(got)-1] != (write{"7", true}) {
		t.Fatalf("Final persisted value must be the latest transition, got %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].active == got[i-1].active {
			t.Errorf("Redundant write at %d: %v", i, got)
		}
	}
}

func TestSynchronizer_SkipsNoopWrites(t *testing.T) {
	store := &fakeStore{}
	s, _, broadcaster := newTestSynchronizer(t, store)

	s.UserOnline("1")
	s.UserOnline("1")
	s.UserOnline("1")
	flush(t, s)

	if n := len(store.recorded()); n != 1 {
		t.Errorf("Expected a single write, got %d", n)
	}
	if n := len(broadcaster.events); n != 3 {
		t.Errorf("Every transition still broadcasts, got %d", n)
	}
}

func TestSynchronizer_FailedWriteIsRetriedLater(t *testing.T) {
	store := &fakeStore{failNext: 1}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	source := newFakeSource()
	broadcaster := &fakeBroadcaster{}
	s := NewSynchronizer(store, source, broadcaster, m, Config{})
	s.Start()
	defer s.Stop()

	source.add("1")
	s.UserOnline("1")
	// Broadcast went out even though the write failed.
	if ev := broadcaster.last(); ev == nil || !ev.Users.Contains("1") {
		t.Fatal("Broadcast must not depend on the store write")
	}
	flush(t, s)
	if n := len(store.recorded()); n != 0 {
		t.Fatalf("Expected the first write to fail, got %d writes", n)
	}

	// Cache was cleared, so the next identical transition writes again.
	s.UserOnline("1")
	flush(t, s)
	if got := store.recorded(); len(got) != 1 || got[0] != (write{"1", true}) {
		t.Errorf("Expected retried write, got %v", got)
	}

	if v := testutil.ToFloat64(m.StoreWrites.WithLabelValues("false")); v != 1 {
		t.Errorf("Expected 1 failed write, got %v", v)
	}
}

func TestSynchronizer_UnknownUserDoesNotBlock(t *testing.T) {
	store := &fakeStore{missing: map[string]bool{"ghost": true}}
	s, _, _ := newTestSynchronizer(t, store)

	s.UserOnline("ghost")
	s.UserOnline("real")
	flush(t, s)

	if got := store.recorded(); len(got) != 1 || got[0].userID != "real" {
		t.Errorf("Expected only the known user written, got %v", got)
	}
}

func TestSynchronizer_ReconcileForcesWrites(t *testing.T) {
	store := &fakeStore{}
	s, source, broadcaster := newTestSynchronizer(t, store)

	source.add("1")
	source.add("2")
	s.UserOnline("1")
	s.UserOnline("2")
	flush(t, s)

	before := len(broadcaster.events)
	s.Reconcile()
	flush(t, s)

	got := store.recorded()
	if len(got) != 4 {
		t.Fatalf("Expected reconcile to rewrite both users, got %v", got)
	}
	if got[2] != (write{"1", true}) || got[3] != (write{"2", true}) {
		t.Errorf("Unexpected reconcile writes: %v", got[2:])
	}
	if len(broadcaster.events) != before+1 {
		t.Error("Reconcile should re-broadcast")
	}
}

func TestSynchronizer_ForceOffline(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestSynchronizer(t, store)

	s.ForceOffline("9")
	s.ForceOffline("9")
	flush(t, s)

	if n := len(store.recorded()); n != 2 {
		t.Errorf("Forced writes bypass the cache, expected 2, got %d", n)
	}
}

func TestSynchronizer_InitialSnapshot(t *testing.T) {
	store := &fakeStore{active: []types.UserIdentity{
		{ID: "5", Username: "e", Role: types.RoleStudent},
		{ID: "3", Username: "c", Role: types.RoleAdmin},
	}}
	s, source, _ := newTestSynchronizer(t, store)
	ctx := context.Background()

	snapshot := s.InitialSnapshot(ctx)
	if len(snapshot) != 2 || snapshot[0].ID != "3" {
		t.Errorf("Before any mutation the store is authoritative, got %+v", snapshot)
	}

	source.add("8")
	s.UserOnline("8")
	snapshot = s.InitialSnapshot(ctx)
	if len(snapshot) != 1 || snapshot[0].ID != "8" {
		t.Errorf("After a mutation the registry is authoritative, got %+v", snapshot)
	}
}

func TestSynchronizer_InitialSnapshotStoreFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("disk I/O error")}
	s, source, _ := newTestSynchronizer(t, store)
	source.add("1")

	if snapshot := s.InitialSnapshot(context.Background()); !snapshot.Contains("1") {
		t.Errorf("Expected registry fallback, got %+v", snapshot)
	}
}

func TestSynchronizer_ResetStore(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestSynchronizer(t, store)

	if err := s.ResetStore(context.Background()); err != nil {
		t.Fatalf("ResetStore failed: %v", err)
	}
	if store.resets != 1 {
		t.Errorf("Expected 1 reset, got %d", store.resets)
	}
}

func TestSynchronizer_StopDrainsQueue(t *testing.T) {
	store := &fakeStore{}
	source := newFakeSource()
	s := NewSynchronizer(store, source, &fakeBroadcaster{}, nil, Config{})
	s.Start()

	for _, id := range []string{"1", "2", "3"} {
		s.UserOnline(id)
	}
	s.Stop()
	s.Stop()

	if n := len(store.recorded()); n != 3 {
		t.Errorf("Expected queued writes drained on stop, got %d", n)
	}
	if err := s.Flush(context.Background()); err != ErrStopped {
		t.Errorf("Expected ErrStopped after stop, got %v", err)
	}
}
