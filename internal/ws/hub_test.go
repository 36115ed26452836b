package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/promptrelay/internal/store"
)

const (
	roomA = "hub-room-aaaaaaaa"
	roomB = "hub-room-bbbbbbbb"
)

func newTestHub(t *testing.T, ping time.Duration) (*Hub, *store.Store, *httptest.Server) {
	t.Helper()
	s := store.New(store.Options{Logger: zerolog.Nop()})
	hub := NewHub(HubOptions{Store: s, PingInterval: ping, Logger: zerolog.Nop()})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+key)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), headers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if u.Type != "update" {
		t.Fatalf("expected update message, got %q", u.Type)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubInitialSnapshot(t *testing.T) {
	_, s, srv := newTestHub(t, time.Minute)
	s.Create(roomA, store.NewRequest{ID: "r1", ToolName: "Bash", Message: "$ ls"})

	conn := dial(t, srv, roomA)
	u := readUpdate(t, conn)
	if len(u.Requests) != 1 || u.Requests[0].ID != "r1" {
		t.Fatalf("expected snapshot with r1, got %+v", u.Requests)
	}
	if u.Requests[0].Response != nil {
		t.Error("pending request has null response")
	}
}

func TestHubBroadcastAfterRespond(t *testing.T) {
	hub, s, srv := newTestHub(t, time.Minute)
	conn := dial(t, srv, roomA)
	if u := readUpdate(t, conn); len(u.Requests) != 0 {
		t.Fatalf("expected empty snapshot, got %d", len(u.Requests))
	}

	s.Create(roomA, store.NewRequest{ID: "r1", ToolName: "Bash"})
	hub.Broadcast(roomA)
	u := readUpdate(t, conn)
	if len(u.Requests) != 1 || u.Requests[0].Response != nil {
		t.Fatalf("expected one pending request, got %+v", u.Requests)
	}

	s.Respond(roomA, "r1", store.ResolutionAllow, "1")
	hub.Broadcast(roomA)
	u = readUpdate(t, conn)
	if len(u.Requests) != 1 {
		t.Fatalf("expected one request, got %d", len(u.Requests))
	}
	got := u.Requests[0]
	if got.Response == nil || *got.Response != "allow" || got.SendKey == nil || *got.SendKey != "1" {
		t.Errorf("expected allow with send key 1, got %+v", got)
	}
}

func TestHubRoomIsolation(t *testing.T) {
	hub, s, srv := newTestHub(t, time.Minute)
	connA := dial(t, srv, roomA)
	connB := dial(t, srv, roomB)
	readUpdate(t, connA)
	readUpdate(t, connB)

	s.Create(roomA, store.NewRequest{ID: "r1"})
	hub.Broadcast(roomA)
	readUpdate(t, connA)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatal("room B must not receive room A's update")
	}
}

func TestHubQueryKey(t *testing.T) {
	hub, _, srv := newTestHub(t, time.Minute)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?key="+roomA, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUpdate(t, conn)
	if hub.ClientCount(roomA) != 1 {
		t.Errorf("expected 1 client, got %d", hub.ClientCount(roomA))
	}
}

func TestHubRejectsInvalidKey(t *testing.T) {
	for _, key := range []string{"", "short", strings.Repeat("k", 129)} {
		_, _, srv := newTestHub(t, time.Minute)
		headers := http.Header{}
		if key != "" {
			headers.Set("Authorization", "Bearer "+key)
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), headers)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		conn.Close()
		if !websocket.IsCloseError(err, CloseUnauthorized) {
			t.Errorf("key %q: expected close 4001, got %v", key, err)
		}
	}
}

func TestHubDropsSilentClients(t *testing.T) {
	hub, _, srv := newTestHub(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// never reads, so pings go unanswered
	dial(t, srv, roomA)
	waitFor(t, func() bool { return hub.ClientCount(roomA) == 1 })
	waitFor(t, func() bool { return hub.ClientCount(roomA) == 0 })
}

func TestHubKeepsResponsiveClients(t *testing.T) {
	hub, _, srv := newTestHub(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, srv, roomA)
	go func() {
		// reading processes pings and answers with pongs
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	if hub.ClientCount(roomA) != 1 {
		t.Error("responsive client must stay connected")
	}
}

func TestRoomKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
		ok     bool
	}{
		{"bearer", "Bearer " + roomA, "", roomA, true},
		{"bearer lowercase", "bearer " + roomA, "", roomA, true},
		{"header wins", "Bearer " + roomA, roomB, roomA, true},
		{"query fallback", "", roomB, roomB, true},
		{"too short", "Bearer abc", "", "", false},
		{"missing", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?key="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok := RoomKey(r)
			if got != tt.want || ok != tt.ok {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}
