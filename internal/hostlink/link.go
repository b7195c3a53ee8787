// Package hostlink implements the main server's side of the PTY Host
// relationship (spec.md §4.2): spawning the midterm-host subprocess,
// dialing its IPC stream, and bridging framed messages to Go-level events
// the Session Manager consumes. One Link exists per live session, mirroring
// how the teacher's internal/ipc pairs a PipeServer in one process with
// Send-style clients in another.
package hostlink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"midterm/internal/hostproto"
	"midterm/internal/ptyhost"
)

// StartBudget bounds how long Start waits for the host process to spawn,
// accept the stream connection, and answer GetInfo (spec.md §4.2).
const StartBudget = 5 * time.Second

// ShutdownBudget bounds how long Shutdown waits for a clean process exit
// before killing the host subprocess outright (spec.md §4.2).
const ShutdownBudget = 2 * time.Second

// MaxPendingInputBytes is the outbound write queue's capacity; input
// submitted past this is dropped, never blocking the caller (spec.md §4.2).
const MaxPendingInputBytes = 64 * 1024

// Events are the callbacks a Link delivers to its owner (the Session
// Manager). They are invoked from internal goroutines; implementations
// must not block.
type Events struct {
	OnOutput           func(data []byte)
	OnForegroundChange func(fg hostproto.ForegroundPayload)
	OnExited           func(code int)
}

// Config configures one Link.
type Config struct {
	SessionID      string
	HostBinaryPath string // path to the midterm-host executable
	ListenAddr     string // IPC endpoint the host will bind; see hostListenAddr in internal/session for address allocation
	Process        ptyhost.ProcessConfig
	Events         Events
}

// Link owns one spawned PTY Host subprocess and its IPC stream.
type Link struct {
	cfg Config
	cmd *exec.Cmd
	log *slog.Logger

	writeMu      sync.Mutex
	conn         net.Conn
	writeQ       chan []byte
	pendingRz    chan [2]int
	pendingBytes atomic.Int64

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Start spawns the host process, dials its IPC endpoint, and completes the
// GetInfo/Info handshake, all within StartBudget. On success the returned
// Link is streaming output events; on failure the subprocess, if spawned,
// is killed before returning.
func Start(ctx context.Context, cfg Config) (*Link, hostproto.InfoPayload, error) {
	startCtx, cancel := context.WithTimeout(ctx, StartBudget)
	defer cancel()

	args := buildHostArgs(cfg)
	cmd := exec.CommandContext(startCtx, cfg.HostBinaryPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	if err := cmd.Start(); err != nil {
		return nil, hostproto.InfoPayload{}, fmt.Errorf("hostlink: spawn host: %w", err)
	}

	conn, err := dialWithRetry(startCtx, cfg.ListenAddr)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, hostproto.InfoPayload{}, fmt.Errorf("hostlink: dial host: %w", err)
	}

	l := &Link{
		cfg:       cfg,
		cmd:       cmd,
		log:       slog.With("subsystem", "hostlink", "session", cfg.SessionID),
		conn:      conn,
		writeQ:    make(chan []byte, 4096),
		pendingRz: make(chan [2]int, 1),
		doneCh:    make(chan struct{}),
	}

	info, err := l.handshake(startCtx, conn)
	if err != nil {
		_ = conn.Close()
		_ = cmd.Process.Kill()
		return nil, hostproto.InfoPayload{}, err
	}

	go l.readLoop(conn)
	go l.writeLoop()

	return l, info, nil
}

func (l *Link) handshake(ctx context.Context, conn net.Conn) (hostproto.InfoPayload, error) {
	if err := hostproto.WriteFrame(conn, hostproto.GetInfo, nil); err != nil {
		return hostproto.InfoPayload{}, fmt.Errorf("hostlink: send GetInfo: %w", err)
	}

	type result struct {
		info hostproto.InfoPayload
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		reader := bufio.NewReader(conn)
		frame, err := hostproto.ReadFrame(reader)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("hostlink: read Info: %w", err)}
			return
		}
		if frame.Type != hostproto.Info {
			resultCh <- result{err: fmt.Errorf("hostlink: expected Info, got type 0x%02x", byte(frame.Type))}
			return
		}
		var info hostproto.InfoPayload
		if err := json.Unmarshal(frame.Payload, &info); err != nil {
			resultCh <- result{err: fmt.Errorf("hostlink: decode Info: %w", err)}
			return
		}
		resultCh <- result{info: info}
	}()

	select {
	case res := <-resultCh:
		return res.info, res.err
	case <-ctx.Done():
		return hostproto.InfoPayload{}, fmt.Errorf("hostlink: start budget exceeded: %w", ctx.Err())
	}
}

// WriteInput enqueues bytes for the host. Never blocks: if the pending
// queue is over MaxPendingInputBytes, the new input is dropped and logged
// (spec.md §4.2).
func (l *Link) WriteInput(data []byte) {
	if l.pendingBytes.Load()+int64(len(data)) > MaxPendingInputBytes {
		l.log.Warn("[hostlink] input queue full, dropping input", "bytes", len(data))
		return
	}
	l.pendingBytes.Add(int64(len(data)))
	select {
	case l.writeQ <- append([]byte(nil), data...):
	default:
		l.pendingBytes.Add(-int64(len(data)))
		l.log.Warn("[hostlink] input queue full, dropping input", "bytes", len(data))
	}
}

// Resize coalesces pending resizes: if one is already queued, it is
// overwritten with the latest dimensions.
func (l *Link) Resize(cols, rows int) {
	select {
	case <-l.pendingRz:
	default:
	}
	select {
	case l.pendingRz <- [2]int{cols, rows}:
	default:
	}
}

// Shutdown sends Shutdown, then waits ShutdownBudget for the process to
// exit before killing it.
func (l *Link) Shutdown(reason string) {
	l.log.Info("[hostlink] shutting down", "reason", reason)
	l.writeMu.Lock()
	_ = hostproto.WriteFrame(l.conn, hostproto.Shutdown, nil)
	l.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownBudget):
		l.log.Warn("[hostlink] shutdown budget exceeded, killing host process")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.teardown(0)
}

func (l *Link) writeLoop() {
	for {
		select {
		case data, ok := <-l.writeQ:
			if !ok {
				return
			}
			l.pendingBytes.Add(-int64(len(data)))
			l.writeMu.Lock()
			err := hostproto.WriteFrame(l.conn, hostproto.Input, data)
			l.writeMu.Unlock()
			if err != nil {
				l.log.Debug("[hostlink] write input failed", "error", err)
			}
		case rz := <-l.pendingRz:
			l.writeMu.Lock()
			err := hostproto.WriteFrame(l.conn, hostproto.Resize, hostproto.EncodeResize(rz[0], rz[1]))
			l.writeMu.Unlock()
			if err != nil {
				l.log.Debug("[hostlink] write resize failed", "error", err)
			}
		case <-l.doneCh:
			return
		}
	}
}

func (l *Link) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		frame, err := hostproto.ReadFrame(reader)
		if err != nil {
			l.log.Info("[hostlink] stream closed", "error", err)
			l.teardown(-1)
			return
		}
		switch frame.Type {
		case hostproto.Output:
			if l.cfg.Events.OnOutput != nil {
				l.cfg.Events.OnOutput(frame.Payload)
			}
		case hostproto.ForegroundChange:
			var fg hostproto.ForegroundPayload
			if err := json.Unmarshal(frame.Payload, &fg); err != nil {
				l.log.Debug("[hostlink] decode ForegroundChange failed", "error", err)
				continue
			}
			if l.cfg.Events.OnForegroundChange != nil {
				l.cfg.Events.OnForegroundChange(fg)
			}
		case hostproto.Exited:
			code, err := hostproto.DecodeExited(frame.Payload)
			if err != nil {
				code = -1
			}
			l.teardown(code)
			return
		case hostproto.Info, hostproto.Buffer:
			// unsolicited after handshake; ignore.
		default:
			l.log.Warn("[hostlink] unexpected frame type", "type", byte(frame.Type))
		}
	}
}

func (l *Link) teardown(code int) {
	l.closeOnce.Do(func() {
		close(l.doneCh)
		_ = l.conn.Close()
		if l.cfg.Events.OnExited != nil {
			l.cfg.Events.OnExited(code)
		}
	})
}

func buildHostArgs(cfg Config) []string {
	args := []string{
		"--session-id=" + cfg.SessionID,
		"--listen=" + cfg.ListenAddr,
		"--shell-kind=" + string(cfg.Process.ShellKind),
		"--cols=" + strconv.Itoa(cfg.Process.Cols),
		"--rows=" + strconv.Itoa(cfg.Process.Rows),
	}
	if cfg.Process.ShellPath != "" {
		args = append(args, "--shell-path="+cfg.Process.ShellPath)
	}
	if cfg.Process.Dir != "" {
		args = append(args, "--dir="+cfg.Process.Dir)
	}
	if cfg.Process.RunAsUser != "" {
		args = append(args, "--run-as-user="+cfg.Process.RunAsUser)
	}
	for _, a := range cfg.Process.Args {
		args = append(args, "--arg="+a)
	}
	for _, e := range cfg.Process.Env {
		args = append(args, "--env="+e)
	}
	return args
}
