package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestPair returns a wrapped server-side connection and the raw client end.
func newTestPair(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case raw := <-serverSide:
		conn := NewConnection(raw)
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("Server side of test connection never arrived")
		return nil, nil
	}
}

// newDetachedConnection has no transport; frames queued on it are discarded.
func newDetachedConnection(t *testing.T) *Connection {
	t.Helper()
	conn := NewConnection(nil)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, client *websocket.Conn, v interface{}) {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(v); err != nil {
		t.Fatalf("Failed to read from client: %v", err)
	}
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	conn := newDetachedConnection(t)

	if _, err := uuid.Parse(conn.ID()); err != nil {
		t.Errorf("Expected uuid handle id, got %q", conn.ID())
	}
	if cap(conn.writeCh) != 100 {
		t.Errorf("Expected write channel buffer of 100, got %d", cap(conn.writeCh))
	}
	if conn.IsAuthenticated() || conn.Identity() != nil || conn.GetUserID() != "" {
		t.Error("New connection should not be authenticated")
	}
	if conn.ProbeState() != ProbeAlive {
		t.Errorf("Expected alive probe state, got %s", conn.ProbeState())
	}
	if conn.ConnectedAt().IsZero() {
		t.Error("Expected connected-at timestamp")
	}
}

func TestConnection_UniqueIDs(t *testing.T) {
	a, b := newDetachedConnection(t), newDetachedConnection(t)
	if a.ID() == b.ID() {
		t.Error("Expected distinct handle ids")
	}
}

func TestConnection_IdentityIsCopied(t *testing.T) {
	conn := newDetachedConnection(t)
	identity := &types.UserIdentity{ID: "42", Username: "ada", Role: types.RoleStudent}
	conn.setIdentity(identity)

	identity.Role = types.RoleAdmin
	got := conn.Identity()
	if got.Role != types.RoleStudent {
		t.Errorf("Caller mutation leaked into connection: %s", got.Role)
	}

	got.Username = "changed"
	if conn.Identity().Username != "ada" {
		t.Error("Returned identity must be a copy")
	}
	if conn.GetUserID() != "42" || !conn.IsAuthenticated() {
		t.Error("Expected bound identity")
	}
}

func TestConnection_WriteJSONDelivers(t *testing.T) {
	conn, client := newTestPair(t)

	if err := conn.WriteJSON(types.NewLessonEndedEvent(&types.LessonSession{LessonID: "7", LessonName: "Loops"})); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var got types.LessonEndedEvent
	readJSON(t, client, &got)
	if got.Type != types.MessageTypeLessonEnded || got.LessonID != "7" || got.LessonName != "Loops" {
		t.Errorf("Unexpected frame: %+v", got)
	}
}

func TestConnection_WriteOrderPreserved(t *testing.T) {
	conn, client := newTestPair(t)

	for i := 0; i < 20; i++ {
		if err := conn.Send([]byte(`{"n":` + string(rune('a'+i)) + `}`)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 20; i++ {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		want := `{"n":` + string(rune('a'+i)) + `}`
		if string(data) != want {
			t.Fatalf("Frame %d out of order: got %s want %s", i, data, want)
		}
	}
}

func TestConnection_SendBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &Connection{writeCh: make(chan []byte, 1), ctx: ctx, cancel: cancel}

	if err := conn.Send([]byte("1")); err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if err := conn.Send([]byte("2")); err != ErrSendBufferFull {
		t.Errorf("Expected ErrSendBufferFull, got %v", err)
	}
}

func TestConnection_InvalidJSON(t *testing.T) {
	conn := newDetachedConnection(t)
	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_ClosedConnection(t *testing.T) {
	conn, _ := newTestPair(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	if err := conn.WriteJSON(map[string]string{"a": "b"}); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed from WriteJSON, got %v", err)
	}
	if err := conn.Send([]byte("x")); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed from Send, got %v", err)
	}
	if err := conn.Ping(time.Second); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed from Ping, got %v", err)
	}
}

func TestConnection_ProbeStateMachine(t *testing.T) {
	conn := newDetachedConnection(t)
	before := conn.LastPong()

	if missed := conn.BeginProbe(); missed {
		t.Fatal("First probe should not count as missed")
	}
	if conn.ProbeState() != ProbeAwaitingPong {
		t.Fatalf("Expected awaiting_pong, got %s", conn.ProbeState())
	}
	if missed := conn.BeginProbe(); !missed {
		t.Fatal("Second probe without pong should be missed")
	}

	time.Sleep(time.Millisecond)
	conn.MarkAlive()
	if conn.ProbeState() != ProbeAlive {
		t.Errorf("Expected alive after pong, got %s", conn.ProbeState())
	}
	if !conn.LastPong().After(before) {
		t.Error("Expected last pong timestamp to advance")
	}
	if missed := conn.BeginProbe(); missed {
		t.Error("Probe after pong should start a fresh cycle")
	}
}

func TestConnection_PingReachesClient(t *testing.T) {
	conn, client := newTestPair(t)

	var mu sync.Mutex
	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		mu.Lock()
		defer mu.Unlock()
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.Ping(time.Second); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Error("Client never saw the ping")
	}
}

func TestProbeState_String(t *testing.T) {
	tests := []struct {
		state ProbeState
		want  string
	}{
		{ProbeAlive, "alive"},
		{ProbeAwaitingPong, "awaiting_pong"},
		{ProbeState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ProbeState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
