package mux

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"midterm/internal/session"
	"midterm/internal/taxonomy"
)

type fakeManager struct {
	mu        sync.Mutex
	snapshots map[string]session.Snapshot
	buffers   map[string][]byte
	listener  session.OutputListener

	lastInput  []byte
	lastResize [2]int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		snapshots: make(map[string]session.Snapshot),
		buffers:   make(map[string][]byte),
	}
}

func (f *fakeManager) addSession(id string, cols, rows int, buf []byte) {
	f.mu.Lock()
	f.snapshots[id] = session.Snapshot{ID: id, Cols: cols, Rows: rows}
	f.buffers[id] = buf
	f.mu.Unlock()
}

func (f *fakeManager) Subscribe(l session.OutputListener) func() {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listener = nil
		f.mu.Unlock()
	}
}

func (f *fakeManager) List() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Snapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeManager) Get(id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[id]
	if !ok {
		return session.Snapshot{}, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	return s, nil
}

func (f *fakeManager) ScrollbackSnapshot(id string) ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.buffers[id]
	if !ok {
		return nil, 0, taxonomy.New(taxonomy.KindSessionNotFound, id)
	}
	return buf, uint64(len(buf)), nil
}

func (f *fakeManager) WriteInput(id string, data []byte) {
	f.mu.Lock()
	f.lastInput = data
	f.mu.Unlock()
}

func (f *fakeManager) Resize(id string, cols, rows int) error {
	f.mu.Lock()
	f.lastResize = [2]int{cols, rows}
	f.mu.Unlock()
	return nil
}

func (f *fakeManager) push(id string, data []byte) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnSessionOutput(id, data)
	}
}

// newTestChannelServer starts an httptest server that upgrades every
// request to a Mux Channel bound to mgr, and returns a dialed client conn.
func newTestChannelServer(t *testing.T, mgr sessionManager) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewChannel(conn, mgr)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			ch.Run(ctx)
			cancel()
		}()
	}))

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client, srv.Close
}

func TestChannelSendsInitThenSnapshot(t *testing.T) {
	mgr := newFakeManager()
	mgr.addSession("aaaa0001", 80, 24, []byte("hello"))
	client, closeSrv := newTestChannelServer(t, mgr)
	defer closeSrv()
	defer client.Close()

	_, initFrame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read Init: %v", err)
	}
	if FrameType(initFrame[0]) != FrameInit {
		t.Fatalf("first frame type = 0x%02x, want Init", initFrame[0])
	}
	clientID := initFrame[HeaderLen+2:]
	if len(clientID) != 32 {
		t.Fatalf("client id len = %d, want 32", len(clientID))
	}
	allZero := true
	for _, b := range clientID {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("client id is all-zero, want a random per-connection id")
	}

	_, snapFrame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if FrameType(snapFrame[0]) != FrameOutput {
		t.Fatalf("snapshot frame type = 0x%02x, want Output", snapFrame[0])
	}
	if decodeSessionID(snapFrame[1:HeaderLen]) != "aaaa0001" {
		t.Fatalf("snapshot session id = %q", decodeSessionID(snapFrame[1:HeaderLen]))
	}
	data := snapFrame[HeaderLen+4:]
	if string(data) != "hello" {
		t.Fatalf("snapshot payload = %q, want hello", data)
	}
}

func TestNewClientIDIsRandomPerCall(t *testing.T) {
	a := newClientID()
	b := newClientID()
	if a == b {
		t.Fatalf("newClientID() returned identical ids across calls: %x", a)
	}
}

func TestChannelForwardsActiveSessionOutputImmediately(t *testing.T) {
	mgr := newFakeManager()
	mgr.addSession("aaaa0001", 80, 24, nil)
	client, closeSrv := newTestChannelServer(t, mgr)
	defer closeSrv()
	defer client.Close()

	drainInitAndSnapshots(t, client, 1)

	hint := header(FrameActiveSessionHint, "aaaa0001")
	if err := client.WriteMessage(websocket.BinaryMessage, hint); err != nil {
		t.Fatalf("write hint: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mgr.push("aaaa0001", []byte("live output"))

	_, frame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if FrameType(frame[0]) != FrameOutput {
		t.Fatalf("frame type = 0x%02x, want Output", frame[0])
	}
	if string(frame[HeaderLen+4:]) != "live output" {
		t.Fatalf("payload = %q, want %q", frame[HeaderLen+4:], "live output")
	}
}

func TestChannelBackgroundOutputFlushesAtSizeThreshold(t *testing.T) {
	mgr := newFakeManager()
	mgr.addSession("aaaa0001", 80, 24, nil)
	client, closeSrv := newTestChannelServer(t, mgr)
	defer closeSrv()
	defer client.Close()

	drainInitAndSnapshots(t, client, 1)

	payload := make([]byte, BackgroundFlushBytes)
	for i := range payload {
		payload[i] = 'x'
	}
	mgr.push("aaaa0001", payload)

	_, frame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read flushed frame: %v", err)
	}
	if FrameType(frame[0]) != FrameCompressedOutput {
		t.Fatalf("frame type = 0x%02x, want CompressedOutput", frame[0])
	}
	uncompressedLen := binary.LittleEndian.Uint32(frame[HeaderLen+4 : HeaderLen+8])
	if int(uncompressedLen) != len(payload) {
		t.Fatalf("uncompressed_len = %d, want %d", uncompressedLen, len(payload))
	}
	gr, err := gzip.NewReader(bytes.NewReader(frame[HeaderLen+8:]))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	decoded, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestChannelForwardsInputToManager(t *testing.T) {
	mgr := newFakeManager()
	mgr.addSession("aaaa0001", 80, 24, nil)
	client, closeSrv := newTestChannelServer(t, mgr)
	defer closeSrv()
	defer client.Close()

	drainInitAndSnapshots(t, client, 1)

	frame := append(header(FrameInput, "aaaa0001"), []byte("echo hi\n")...)
	if err := client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write input: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		got := string(mgr.lastInput)
		mgr.mu.Unlock()
		if got == "echo hi\n" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never observed forwarded input")
}

func drainInitAndSnapshots(t *testing.T, client *websocket.Conn, numSessions int) {
	t.Helper()
	for i := 0; i < 1+numSessions; i++ {
		if _, _, err := client.ReadMessage(); err != nil {
			t.Fatalf("drain frame %d: %v", i, err)
		}
	}
}

