package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencehub/pkg/types"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []interface{}
}

func (b *recordingBroadcaster) Broadcast(event interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return 1
}

func (b *recordingBroadcaster) snapshot() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]interface{}(nil), b.events...)
}

func startRelay(t *testing.T, ctx context.Context, addr string) (*Relay, *recordingBroadcaster) {
	t.Helper()
	local := &recordingBroadcaster{}
	r, err := New(ctx, Config{Addr: addr, Channel: "presencehub:lessons"}, local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	go func() { _ = r.Run(ctx) }()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
	return r, local
}

// settle waits for n events, then a little longer to catch extras.
func settle(t *testing.T, b *recordingBroadcaster, n int) []interface{} {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.snapshot()) >= n }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	return b.snapshot()
}

func TestRelay_NewFailsWithoutServer(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1", Channel: "x"}, &recordingBroadcaster{}, nil)
	assert.Error(t, err)
}

func TestRelay_LessonEventsReachOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, localA := startRelay(t, ctx, mr.Addr())
	_, localB := startRelay(t, ctx, mr.Addr())

	started := types.NewLessonStartedEvent(&types.LessonSession{
		LessonID: "7", LessonName: "Loops", DurationMinutes: 1, TeacherName: "Grace",
		StartedAt: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, 1, a.Broadcast(started), "local delivery count is passed through")

	events := settle(t, localB, 1)
	require.Len(t, events, 1)
	got, ok := events[0].(*types.LessonStartedEvent)
	require.True(t, ok, "expected *LessonStartedEvent, got %T", events[0])
	assert.Equal(t, "7", got.LessonID)
	assert.Equal(t, "Grace", got.TeacherName)
	assert.True(t, got.Timestamp.Equal(started.Timestamp))

	a.Broadcast(types.NewLessonEndedEvent(&types.LessonSession{LessonID: "7", LessonName: "Loops"}))
	events = settle(t, localB, 2)
	require.Len(t, events, 2)
	assert.IsType(t, &types.LessonEndedEvent{}, events[1])

	// The origin never receives its own events back.
	assert.Len(t, localA.snapshot(), 2)
}

func TestRelay_PresenceStaysLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, localA := startRelay(t, ctx, mr.Addr())
	_, localB := startRelay(t, ctx, mr.Addr())

	a.Broadcast(types.NewActiveUsersEvent(types.NewPresenceSnapshot([]types.UserIdentity{{ID: "1"}})))
	a.Broadcast(types.NewLessonEndedEvent(&types.LessonSession{LessonID: "9"}))

	events := settle(t, localB, 1)
	require.Len(t, events, 1, "presence is not relayed")
	assert.IsType(t, &types.LessonEndedEvent{}, events[0])
	assert.Len(t, localA.snapshot(), 2, "presence is still delivered locally")
}

func TestRelay_GroupMessagesReachOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := startRelay(t, ctx, mr.Addr())
	_, localB := startRelay(t, ctx, mr.Addr())

	sender := types.UserIdentity{ID: "2", Username: "Grace", Surname: "Hopper", Role: types.RoleLeadStudent}
	a.Broadcast(types.NewGroupMessageEvent("m1", "hello", sender, time.Now().UTC()))

	events := settle(t, localB, 1)
	require.Len(t, events, 1)
	got, ok := events[0].(*types.GroupMessageEvent)
	require.True(t, ok, "expected *GroupMessageEvent, got %T", events[0])
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "Grace", got.Sender.Name)
}

func TestRelay_DropsForeignGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, local := startRelay(t, ctx, mr.Addr())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	for _, payload := range []string{
		`not json`,
		`{"origin":"other","type":"active_users_update","event":{}}`,
		`{"origin":"other","type":"lessonEnded","event":"oops"}`,
		`{"origin":"other","type":"lessonEnded","event":{"type":"lessonEnded","lessonId":"3","lessonName":"x"}}`,
	} {
		require.NoError(t, client.Publish(ctx, "presencehub:lessons", payload).Err())
	}

	events := settle(t, local, 1)
	require.Len(t, events, 1, "only the valid event is delivered")
	ended, ok := events[0].(*types.LessonEndedEvent)
	require.True(t, ok)
	assert.Equal(t, "3", ended.LessonID)
}

func TestRelay_InstanceIDsDiffer(t *testing.T) {
	a := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "c", &recordingBroadcaster{}, nil)
	b := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "c", &recordingBroadcaster{}, nil)
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}
