// Package ptyhost implements the PTY Host side of spec.md §4.1: a process
// that opens one PTY, spawns the configured shell connected to it, and
// bridges the PTY to the length-framed IPC stream defined in
// internal/hostproto. One Host runs per session, in its own OS process
// (cmd/midterm-host is the entrypoint); isolating it here means a crashing
// shell or a misbehaving PTY primitive can never take the main server down.
package ptyhost

import (
	"fmt"
	"io"
	"sync"
)

// ShellKind tags the shell family, used for default-shell resolution and
// reported informationally in Info (spec.md §3).
type ShellKind string

// Recognized shell kinds (spec.md §3).
const (
	ShellPwsh       ShellKind = "pwsh"
	ShellPowerShell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
	ShellBash       ShellKind = "bash"
	ShellZsh        ShellKind = "zsh"
	ShellFish       ShellKind = "fish"
	ShellSh         ShellKind = "sh"
)

// ProcessConfig configures the PTY process a Host spawns.
type ProcessConfig struct {
	ShellKind  ShellKind
	ShellPath  string // explicit executable path; resolved from ShellKind if empty
	Args       []string
	Dir        string
	Env        []string
	Cols       int
	Rows       int
	RunAsUser  string // optional; platform support is best-effort
}

// ptyBackend abstracts a PTY implementation (creack/pty on POSIX, ConPTY on
// Windows) behind Read/Write/Resize/Close/Pid, the same seam the teacher's
// internal/terminal package uses to let one Terminal type cover both
// platforms.
type ptyBackend interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	Pid() int
}

// Process wraps one spawned PTY + shell. All methods are safe for
// concurrent use; Write/Resize take an internal read-lock and Close takes
// the write lock, so Close can race them safely (mirrors the teacher's
// internal/terminal.Terminal).
type Process struct {
	mu      sync.RWMutex
	backend ptyBackend
	closed  bool
}

// StartProcess launches the configured shell attached to a new PTY sized at
// cfg.Cols x cfg.Rows. Platform-specific startProcess implementations
// (process_unix.go / process_windows.go) provide the backend.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = resolveShellPath(cfg.ShellKind)
	}
	backend, err := startProcess(cfg)
	if err != nil {
		return nil, fmt.Errorf("ptyhost: start process: %w", err)
	}
	return &Process{backend: backend}, nil
}

// Pid returns the underlying process id.
func (p *Process) Pid() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend.Pid()
}

// Read reads PTY output. Safe to call from a single dedicated reader
// goroutine only (as io.Reader generally requires).
func (p *Process) Read(buf []byte) (int, error) {
	p.mu.RLock()
	backend := p.backend
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, io.EOF
	}
	return backend.Read(buf)
}

// Write writes input bytes to the PTY master.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, fmt.Errorf("ptyhost: process closed")
	}
	return p.backend.Write(data)
}

// Resize updates the PTY window size. cols/rows must be positive; the
// Session Manager (spec.md §4.4) is responsible for range-checking against
// [1, 500] before this is ever called.
func (p *Process) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("ptyhost: invalid size %dx%d", cols, rows)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("ptyhost: process closed")
	}
	return p.backend.Resize(cols, rows)
}

// Close closes the PTY master and releases the backend. Idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.backend.Close()
}

func resolveShellPath(kind ShellKind) string {
	return defaultShellForKind(kind)
}
