package ptyhost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"midterm/internal/hostproto"
)

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ptyhost: marshal: %w", err)
	}
	return data, nil
}

// DefaultEarlyBufferCap bounds the host's internal buffer of recent output
// (the newest bytes are kept), which GetBuffer draws from for late joiners
// (spec.md §4.1).
const DefaultEarlyBufferCap = 256 * 1024

// ShutdownGraceTimeout is how long gracefulShutdown waits for closing the
// process to return before it sends Exited anyway (spec.md §4.1).
const ShutdownGraceTimeout = 2 * time.Second

// foregroundPollInterval is the foreground-sampling cadence (spec.md §4.1
// bounds it between 250 ms and 2 s).
const foregroundPollInterval = 500 * time.Millisecond

// Config configures one Host instance.
type Config struct {
	SessionID  string
	ListenAddr string // unix socket path or named pipe name, spec.md §6
	Process    ProcessConfig
	// EarlyBufferCap overrides DefaultEarlyBufferCap when positive.
	EarlyBufferCap int
}

// Host owns one PTY Host process's lifetime: PTY, shell, IPC listener, and
// the framed protocol loop described in spec.md §4.1.
type Host struct {
	cfg  Config
	proc *Process

	writeMu sync.Mutex
	conn    net.Conn

	bufMu     sync.Mutex
	earlyBuf  bytes.Buffer
	bufCap    int

	fgMu      sync.Mutex
	lastFg    hostproto.ForegroundPayload

	exitedOnce sync.Once
	exitCode   int
	running    bool
	runningMu  sync.RWMutex
}

// New constructs a Host and starts its PTY process. The IPC listener is not
// opened until Run is called.
func New(cfg Config) (*Host, error) {
	if cfg.EarlyBufferCap <= 0 {
		cfg.EarlyBufferCap = DefaultEarlyBufferCap
	}
	proc, err := StartProcess(cfg.Process)
	if err != nil {
		return nil, fmt.Errorf("ptyhost: %w", err)
	}
	h := &Host{cfg: cfg, proc: proc, bufCap: cfg.EarlyBufferCap, running: true}
	return h, nil
}

// Run opens the IPC listener, accepts exactly one connection (the server's
// Host IPC Link), and serves the framed protocol until the connection
// closes or the shell exits. It blocks until ctx is cancelled or the
// session ends.
func (h *Host) Run(ctx context.Context) error {
	ln, err := listen(h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ptyhost: %w", err)
	}
	defer ln.Close()

	go h.ptyReadLoop()

	fgCtx, cancelFg := context.WithCancel(ctx)
	defer cancelFg()
	go h.foregroundLoop(fgCtx)

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			errCh <- acceptErr
			return
		}
		acceptCh <- conn
	}()

	var conn net.Conn
	select {
	case conn = <-acceptCh:
	case err := <-errCh:
		return fmt.Errorf("ptyhost: accept: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	h.writeMu.Lock()
	h.conn = conn
	h.writeMu.Unlock()
	defer conn.Close()

	return h.serve(ctx, conn)
}

func (h *Host) serve(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := hostproto.ReadFrame(reader)
		if err != nil {
			slog.Info("[host] ipc stream closed", "session", h.cfg.SessionID, "error", err)
			return nil
		}
		if err := h.handleFrame(frame); err != nil {
			slog.Warn("[host] frame handling error, terminating", "session", h.cfg.SessionID, "error", err)
			return err
		}
	}
}

func (h *Host) handleFrame(frame hostproto.Frame) error {
	switch frame.Type {
	case hostproto.GetInfo:
		return h.sendInfo()
	case hostproto.Input:
		_, err := h.proc.Write(frame.Payload)
		if err != nil {
			slog.Debug("[host] write to pty failed", "session", h.cfg.SessionID, "error", err)
		}
		return nil
	case hostproto.Resize:
		cols, rows, err := hostproto.DecodeResize(frame.Payload)
		if err != nil {
			return fmt.Errorf("ptyhost: malformed resize: %w", err)
		}
		if err := h.proc.Resize(cols, rows); err != nil {
			slog.Debug("[host] resize failed", "session", h.cfg.SessionID, "error", err)
			return nil
		}
		h.cfg.Process.Cols, h.cfg.Process.Rows = cols, rows
		return nil
	case hostproto.GetBuffer:
		return h.sendBuffer()
	case hostproto.Shutdown:
		h.gracefulShutdown()
		return nil
	default:
		return fmt.Errorf("ptyhost: unknown message type 0x%02x", byte(frame.Type))
	}
}

func (h *Host) sendInfo() error {
	info := hostproto.InfoPayload{
		ID:        h.cfg.SessionID,
		Pid:       h.proc.Pid(),
		ShellKind: string(h.cfg.Process.ShellKind),
		IsRunning: h.isRunning(),
		Cols:      h.cfg.Process.Cols,
		Rows:      h.cfg.Process.Rows,
	}
	payload, err := marshalJSON(info)
	if err != nil {
		return err
	}
	return h.writeFrame(hostproto.Info, payload)
}

func (h *Host) sendBuffer() error {
	h.bufMu.Lock()
	data := append([]byte(nil), h.earlyBuf.Bytes()...)
	h.bufMu.Unlock()
	return h.writeFrame(hostproto.Buffer, data)
}

func (h *Host) ptyReadLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			h.bufferEarly(chunk)
			if werr := h.writeFrame(hostproto.Output, chunk); werr != nil {
				slog.Debug("[host] output write failed", "session", h.cfg.SessionID, "error", werr)
			}
		}
		if err != nil {
			h.onProcessExit()
			return
		}
	}
}

func (h *Host) bufferEarly(chunk []byte) {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	h.earlyBuf.Write(chunk)
	if excess := h.earlyBuf.Len() - h.bufCap; excess > 0 {
		remaining := append([]byte(nil), h.earlyBuf.Bytes()[excess:]...)
		h.earlyBuf.Reset()
		h.earlyBuf.Write(remaining)
	}
}

func (h *Host) foregroundLoop(ctx context.Context) {
	sampler, ok := h.proc.backend.(foregroundSampler)
	if !ok {
		return
	}
	ticker := time.NewTicker(foregroundPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := sampler.SampleForeground()
			if err != nil || payload == nil {
				continue
			}
			h.fgMu.Lock()
			changed := *payload != h.lastFg
			if changed {
				h.lastFg = *payload
			}
			h.fgMu.Unlock()
			if !changed {
				continue
			}
			data, err := marshalJSON(*payload)
			if err != nil {
				continue
			}
			if err := h.writeFrame(hostproto.ForegroundChange, data); err != nil {
				slog.Debug("[host] foreground-change write failed", "session", h.cfg.SessionID, "error", err)
			}
		}
	}
}

// foregroundSampler is implemented by the platform PTY backends that can
// report the PTY's current foreground process (spec.md §4.1).
type foregroundSampler interface {
	SampleForeground() (*hostproto.ForegroundPayload, error)
}

func (h *Host) onProcessExit() {
	h.exitedOnce.Do(func() {
		h.setRunning(false)
		code := -1
		h.exitCode = code
		payload := hostproto.EncodeExited(code)
		if err := h.writeFrame(hostproto.Exited, payload); err != nil {
			slog.Debug("[host] exited write failed", "session", h.cfg.SessionID, "error", err)
		}
		h.writeMu.Lock()
		if h.conn != nil {
			h.conn.Close()
		}
		h.writeMu.Unlock()
	})
}

// gracefulShutdown handles a Shutdown request: it closes the process (the
// PTY master is closed and the shell is killed at once; there is no wait
// for the shell to exit on its own first), waits up to ShutdownGraceTimeout
// for that close to return, then sends Exited and closes the stream.
func (h *Host) gracefulShutdown() {
	done := make(chan struct{})
	go func() {
		h.proc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGraceTimeout):
		slog.Warn("[host] shutdown grace period elapsed, forcing close", "session", h.cfg.SessionID)
	}
	h.onProcessExit()
}

func (h *Host) isRunning() bool {
	h.runningMu.RLock()
	defer h.runningMu.RUnlock()
	return h.running
}

func (h *Host) setRunning(v bool) {
	h.runningMu.Lock()
	h.running = v
	h.runningMu.Unlock()
}

func (h *Host) writeFrame(typ hostproto.MessageType, payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("ptyhost: no connection")
	}
	return hostproto.WriteFrame(h.conn, typ, payload)
}
