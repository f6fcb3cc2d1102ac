package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/eventbackbone/internal/recovery"
	"github.com/agent-racer/eventbackbone/internal/ring"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	h := New(ring.New(100), time.Hour)
	t.Cleanup(h.Stop)
	s := NewServer(h, nil, recovery.New(), nil, nil, "")
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return httptest.NewServer(mux), h
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessageType(t *testing.T, conn *websocket.Conn) wire.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestClientReceivesConnectedThenSyncOnAccept(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	conn := dialWS(t, srv)

	first := readMessageType(t, conn)
	if first.Type != wire.MsgConnected {
		t.Fatalf("expected connected first, got %s", first.Type)
	}
	second := readMessageType(t, conn)
	if second.Type != wire.MsgSync {
		t.Fatalf("expected sync second, got %s", second.Type)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	srv, h := newTestServer(t)
	defer srv.Close()

	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	// drain the connected+sync hello pair from each.
	readMessageType(t, connA)
	readMessageType(t, connA)
	readMessageType(t, connB)
	readMessageType(t, connB)

	ev := wire.TerminalEvent{ID: "evt_1", Kind: wire.KindOutput, Content: "hi", Timestamp: time.Now().UTC()}
	h.Broadcast(ev)

	for _, conn := range []*websocket.Conn{connA, connB} {
		msg := readMessageType(t, conn)
		if msg.Type != wire.MsgEvent {
			t.Fatalf("expected event, got %s", msg.Type)
		}
	}
}

func TestSyncRequestByLastEventIDReturnsTail(t *testing.T) {
	srv, h := newTestServer(t)
	defer srv.Close()

	h.ringLog.Push(wire.TerminalEvent{ID: "evt_1", Timestamp: time.Now().UTC()})
	h.ringLog.Push(wire.TerminalEvent{ID: "evt_2", Timestamp: time.Now().UTC()})
	h.ringLog.Push(wire.TerminalEvent{ID: "evt_3", Timestamp: time.Now().UTC()})

	conn := dialWS(t, srv)
	readMessageType(t, conn) // connected
	readMessageType(t, conn) // initial full sync

	req := wire.WSMessage{
		Type:    wire.MsgSyncRequest,
		Payload: wire.SyncRequestPayload{LastEventID: "evt_1"},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write sync_request: %v", err)
	}

	reply := readMessageType(t, conn)
	if reply.Type != wire.MsgSync {
		t.Fatalf("expected sync reply, got %s", reply.Type)
	}
	payload, ok := reply.Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %#v", reply.Payload)
	}
	events, ok := payload["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected the 2 events after evt_1, got %#v", payload["events"])
	}
}

func TestSyncRequestBySinceTimestampFiltersByTimestamp(t *testing.T) {
	srv, h := newTestServer(t)
	defer srv.Close()

	base := time.Now().UTC()
	h.ringLog.Push(wire.TerminalEvent{ID: "a", Timestamp: base.Add(-time.Minute)})
	h.ringLog.Push(wire.TerminalEvent{ID: "b", Timestamp: base.Add(time.Minute)})
	h.ringLog.Push(wire.TerminalEvent{ID: "c", Timestamp: base.Add(2 * time.Minute)})

	conn := dialWS(t, srv)
	readMessageType(t, conn) // connected
	readMessageType(t, conn) // initial full snapshot

	if err := conn.WriteJSON(wire.WSMessage{
		Type:    wire.MsgSyncRequest,
		Payload: wire.SyncRequestPayload{Since: base},
	}); err != nil {
		t.Fatalf("write sync_request: %v", err)
	}

	var msg wire.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read sync reply: %v", err)
	}
	if msg.Type != wire.MsgSync {
		t.Fatalf("expected sync reply, got %q", msg.Type)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %#v", msg.Payload)
	}
	events, ok := payload["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected 2 events after %s, got %#v", base, payload["events"])
	}
}

func TestAuthorizeAcceptsTokenViaQueryHeaderOrBearer(t *testing.T) {
	s := NewServer(New(ring.New(10), time.Hour), nil, recovery.New(), nil, nil, "secret")
	defer s.hub.Stop()

	mkReq := func(mutate func(r *http.Request)) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/status", nil)
		mutate(r)
		return r
	}

	cases := []struct {
		name string
		req  *http.Request
		want bool
	}{
		{"query token", mkReq(func(r *http.Request) { q := r.URL.Query(); q.Set("token", "secret"); r.URL.RawQuery = q.Encode() }), true},
		{"header token", mkReq(func(r *http.Request) { r.Header.Set("X-Event-Backbone-Token", "secret") }), true},
		{"bearer token", mkReq(func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }), true},
		{"wrong token", mkReq(func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }), false},
		{"no token", mkReq(func(r *http.Request) {}), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.authorize(tc.req); got != tc.want {
				t.Fatalf("authorize() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckOriginAllowsConfiguredOriginsOnly(t *testing.T) {
	s := NewServer(New(ring.New(10), time.Hour), nil, recovery.New(), nil, []string{"http://example.com"}, "")
	defer s.hub.Stop()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://example.com")
	if !s.checkOrigin(r) {
		t.Fatalf("expected allowed origin to pass")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r2.Header.Set("Origin", "http://evil.example")
	if s.checkOrigin(r2) {
		t.Fatalf("expected disallowed origin to fail")
	}
}

func TestStatusEndpointReportsMemoryOnlyModeAndBufferSize(t *testing.T) {
	srv, h := newTestServer(t)
	defer srv.Close()
	h.ringLog.Push(wire.TerminalEvent{ID: "evt_1", Timestamp: time.Now().UTC()})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	// newTestServer passes no store, so the server runs memory-only.
	if status.Persistence.Enabled {
		t.Fatalf("expected persistence disabled in memory-only mode")
	}
	if status.Buffer.Size != 1 || status.Buffer.Capacity != 100 {
		t.Fatalf("expected buffer size 1 / capacity 100, got %d / %d", status.Buffer.Size, status.Buffer.Capacity)
	}
}
