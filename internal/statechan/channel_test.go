package statechan

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"midterm/internal/broadcast"
	"midterm/internal/session"
)

type fakeManager struct {
	sessions       []session.Snapshot
	reordered      []string
	idleTimeoutSet time.Duration
}

func (f *fakeManager) List() []session.Snapshot { return f.sessions }
func (f *fakeManager) Reorder(ids []string) error {
	f.reordered = ids
	return nil
}
func (f *fakeManager) SetIdleTimeout(id string, d time.Duration) error {
	f.idleTimeoutSet = d
	return nil
}

func newTestStateServer(t *testing.T, mgr sessionManager, hub *broadcast.Hub) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := New(conn, mgr, hub)
		go ch.Run()
	}))
	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client, srv.Close
}

func TestStateChannelPushesSessionsOnConnect(t *testing.T) {
	mgr := &fakeManager{sessions: []session.Snapshot{{ID: "aaaa0001"}}}
	hub := broadcast.NewHub()
	client, closeSrv := newTestStateServer(t, mgr, hub)
	defer closeSrv()
	defer client.Close()

	var msg sessionsMessage
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "sessions" || len(msg.Sessions) != 1 || msg.Sessions[0].ID != "aaaa0001" {
		t.Fatalf("got %+v", msg)
	}
}

func TestStateChannelPushesOnSessionsChanged(t *testing.T) {
	mgr := &fakeManager{}
	hub := broadcast.NewHub()
	client, closeSrv := newTestStateServer(t, mgr, hub)
	defer closeSrv()
	defer client.Close()

	var first sessionsMessage
	if err := client.ReadJSON(&first); err != nil {
		t.Fatalf("initial ReadJSON: %v", err)
	}

	mgr.sessions = []session.Snapshot{{ID: "bbbb0002"}}
	hub.SessionsChanged()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second sessionsMessage
	if err := client.ReadJSON(&second); err != nil {
		t.Fatalf("second ReadJSON: %v", err)
	}
	if len(second.Sessions) != 1 || second.Sessions[0].ID != "bbbb0002" {
		t.Fatalf("got %+v", second)
	}
}

func TestStateChannelHandlesReorderCommand(t *testing.T) {
	mgr := &fakeManager{}
	hub := broadcast.NewHub()
	client, closeSrv := newTestStateServer(t, mgr, hub)
	defer closeSrv()
	defer client.Close()

	var first sessionsMessage
	if err := client.ReadJSON(&first); err != nil {
		t.Fatalf("initial ReadJSON: %v", err)
	}

	req := map[string]any{
		"type":   "command",
		"id":     "req-1",
		"action": "session.reorder",
		"payload": map[string]any{
			"sessionIds": []string{"bbbb0002", "aaaa0001"},
		},
	}
	if err := client.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var resp commandResponse
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON response: %v", err)
	}
	if !resp.Success || resp.ID != "req-1" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(mgr.reordered) != 2 || mgr.reordered[0] != "bbbb0002" {
		t.Fatalf("reordered = %v", mgr.reordered)
	}
}

func TestStateChannelUnknownActionReturnsError(t *testing.T) {
	mgr := &fakeManager{}
	hub := broadcast.NewHub()
	client, closeSrv := newTestStateServer(t, mgr, hub)
	defer closeSrv()
	defer client.Close()

	var first sessionsMessage
	if err := client.ReadJSON(&first); err != nil {
		t.Fatalf("initial ReadJSON: %v", err)
	}

	req := map[string]any{"type": "command", "id": "req-2", "action": "bogus"}
	if err := client.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var resp commandResponse
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if resp.Success || resp.Error != "unknown action" {
		t.Fatalf("resp = %+v", resp)
	}
}
