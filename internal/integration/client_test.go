package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"presencehub/internal/app"
	"presencehub/internal/config"
	"presencehub/pkg/types"
)

// frame is any server message; Raw keeps the payload for typed decoding.
type frame struct {
	Type string
	Raw  json.RawMessage
}

// testClient is a WebSocket client that collects every server frame.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// dialClient connects to addr. Options run before the read loop starts.
func dialClient(t *testing.T, addr string, options ...func(*websocket.Conn)) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	for _, option := range options {
		option(conn)
	}
	tc := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan frame, 100),
		done:   make(chan struct{}),
	}
	go tc.readLoop()
	t.Cleanup(tc.Close)
	return tc
}

func (tc *testClient) readLoop() {
	defer close(tc.done)
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope types.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		select {
		case tc.frames <- frame{Type: envelope.Type, Raw: data}:
		default:
		}
	}
}

func (tc *testClient) send(msg interface{}) {
	tc.t.Helper()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := tc.conn.WriteJSON(msg); err != nil {
		tc.t.Fatalf("Failed to send: %v", err)
	}
}

func (tc *testClient) authenticate(userID string) {
	tc.send(map[string]interface{}{"type": types.MessageTypeAuthenticate, "userId": userID})
}

// expect skips frames of other types until one of msgType arrives.
func (tc *testClient) expect(msgType string, dst interface{}) {
	tc.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-tc.frames:
			if f.Type != msgType {
				continue
			}
			if dst != nil {
				if err := json.Unmarshal(f.Raw, dst); err != nil {
					tc.t.Fatalf("Failed to decode %s: %v", msgType, err)
				}
			}
			return
		case <-tc.done:
			tc.t.Fatalf("Connection closed while waiting for %s", msgType)
		case <-deadline:
			tc.t.Fatalf("Timed out waiting for %s", msgType)
		}
	}
}

// expectPresence waits for a presence update listing exactly ids.
func (tc *testClient) expectPresence(ids ...string) {
	tc.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-tc.frames:
			if f.Type != types.MessageTypeActiveUsersUpdate {
				continue
			}
			var event types.ActiveUsersEvent
			if err := json.Unmarshal(f.Raw, &event); err != nil {
				tc.t.Fatalf("Failed to decode presence: %v", err)
			}
			if sameIDs(event.Users, ids) {
				return
			}
		case <-tc.done:
			tc.t.Fatalf("Connection closed while waiting for presence %v", ids)
		case <-deadline:
			tc.t.Fatalf("Timed out waiting for presence %v", ids)
		}
	}
}

// expectNone fails if a frame of msgType arrives within wait.
func (tc *testClient) expectNone(msgType string, wait time.Duration) {
	tc.t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case f := <-tc.frames:
			if f.Type == msgType {
				tc.t.Fatalf("Unexpected %s: %s", msgType, f.Raw)
			}
		case <-timeout:
			return
		}
	}
}

func (tc *testClient) waitClosed() {
	tc.t.Helper()
	select {
	case <-tc.done:
	case <-time.After(5 * time.Second):
		tc.t.Fatal("Connection was not closed by the server")
	}
}

func (tc *testClient) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.closed = true
	_ = tc.conn.Close()
}

func sameIDs(snapshot types.PresenceSnapshot, ids []string) bool {
	if len(snapshot) != len(ids) {
		return false
	}
	for i, entry := range snapshot {
		if entry.ID != ids[i] {
			return false
		}
	}
	return true
}

var classroom = []types.UserIdentity{
	{ID: "1", Username: "Ada", Surname: "Lovelace", Role: types.RoleStudent},
	{ID: "2", Username: "Grace", Surname: "Hopper", Role: types.RoleLeadStudent},
	{ID: "3", Username: "Alan", Surname: "Turing", Role: types.RoleStudent},
	{ID: "9", Username: "Root", Surname: "Admin", Role: types.RoleAdmin},
}

// startServer runs a full application on an ephemeral port with the
// classroom users seeded.
func startServer(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "presencehub.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	ctx := context.Background()
	for i := range classroom {
		email := fmt.Sprintf("%s@school.example", classroom[i].Username)
		if err := application.Store().UpsertUser(ctx, &classroom[i], email); err != nil {
			t.Fatalf("Failed to seed user %s: %v", classroom[i].ID, err)
		}
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})
	return application
}

// waitForActive polls the store until exactly ids are active.
func waitForActive(t *testing.T, application *app.Application, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		active, err := application.Store().ListActive(context.Background())
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		got := make([]string, len(active))
		for i, u := range active {
			got[i] = u.ID
		}
		if fmt.Sprint(got) == fmt.Sprint(ids) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected active users %v, store has %v", ids, got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
