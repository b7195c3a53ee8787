package hostlink

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"midterm/internal/hostproto"
	"midterm/internal/ptyhost"
)

func newTestLink(t *testing.T, events Events) (*Link, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close() })

	l := &Link{
		cfg:       Config{SessionID: "deadbeef", Events: events},
		conn:      clientSide,
		writeQ:    make(chan []byte, 4096),
		pendingRz: make(chan [2]int, 1),
		doneCh:    make(chan struct{}),
	}
	l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	go l.readLoop(clientSide)
	go l.writeLoop()
	return l, serverSide
}

func TestBuildHostArgsIncludesRequiredFlags(t *testing.T) {
	cfg := Config{
		SessionID: "abcd1234",
		ListenAddr: "/tmp/x.sock",
		Process: ptyhost.ProcessConfig{
			ShellKind: ptyhost.ShellBash,
			Cols:      100,
			Rows:      30,
			Dir:       "/home/user",
			Args:      []string{"-l"},
		},
	}
	args := buildHostArgs(cfg)
	want := map[string]bool{
		"--session-id=abcd1234": false,
		"--listen=/tmp/x.sock":  false,
		"--shell-kind=bash":     false,
		"--cols=100":            false,
		"--rows=30":             false,
		"--dir=/home/user":      false,
		"--arg=-l":              false,
	}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for flag, found := range want {
		if !found {
			t.Errorf("buildHostArgs() missing %q, got %v", flag, args)
		}
	}
}

func TestWriteInputDropsWhenQueueFull(t *testing.T) {
	l, server := newTestLink(t, Events{})
	defer server.Close()
	go io.Copy(io.Discard, server) // drain so writeLoop's WriteFrame never blocks

	big := make([]byte, MaxPendingInputBytes)
	l.WriteInput(big)
	extra := make([]byte, 16)
	l.WriteInput(extra) // over budget the instant big lands; must be dropped silently
}

func TestResizeCoalesces(t *testing.T) {
	l, server := newTestLink(t, Events{})
	defer server.Close()

	l.Resize(80, 24)
	l.Resize(120, 40)

	reader := bufio.NewReader(server)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := hostproto.ReadFrame(reader)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Type != hostproto.Resize {
		t.Fatalf("frame type = 0x%02x, want Resize", byte(frame.Type))
	}
	cols, rows, err := hostproto.DecodeResize(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeResize() error = %v", err)
	}
	if cols != 120 || rows != 40 {
		t.Fatalf("resize = %dx%d, want 120x40 (latest should win)", cols, rows)
	}
}

func TestReadLoopDeliversOutputAndExited(t *testing.T) {
	var gotOutput []byte
	var gotCode int
	exitedCh := make(chan struct{})

	l, server := newTestLink(t, Events{
		OnOutput: func(data []byte) { gotOutput = append(gotOutput, data...) },
		OnExited: func(code int) {
			gotCode = code
			close(exitedCh)
		},
	})
	defer server.Close()
	_ = l

	if err := hostproto.WriteFrame(server, hostproto.Output, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame(Output) error = %v", err)
	}
	if err := hostproto.WriteFrame(server, hostproto.Exited, hostproto.EncodeExited(7)); err != nil {
		t.Fatalf("WriteFrame(Exited) error = %v", err)
	}

	select {
	case <-exitedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnExited")
	}
	if string(gotOutput) != "hello" {
		t.Fatalf("gotOutput = %q, want %q", gotOutput, "hello")
	}
	if gotCode != 7 {
		t.Fatalf("gotCode = %d, want 7", gotCode)
	}
}
