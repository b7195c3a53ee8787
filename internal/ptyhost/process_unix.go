//go:build !windows

package ptyhost

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixBackend adapts a creack/pty master file to the ptyBackend interface.
type unixBackend struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func startProcess(cfg ProcessConfig) (ptyBackend, error) {
	cmd := exec.Command(cfg.ShellPath, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, err
	}
	return &unixBackend{ptmx: ptmx, cmd: cmd}, nil
}

func (b *unixBackend) Read(p []byte) (int, error)  { return b.ptmx.Read(p) }
func (b *unixBackend) Write(p []byte) (int, error) { return b.ptmx.Write(p) }

func (b *unixBackend) Resize(cols, rows int) error {
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *unixBackend) Pid() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *unixBackend) Close() error {
	err := b.ptmx.Close()
	if b.cmd != nil && b.cmd.Process != nil {
		// The PTY close delivers SIGHUP to the foreground group on most
		// POSIX systems; Kill then terminates the shell process itself
		// right away, without waiting for it to exit on its own.
		_ = b.cmd.Process.Kill()
	}
	return err
}

func defaultShellForKind(kind ShellKind) string {
	switch kind {
	case ShellBash:
		if p, err := exec.LookPath("bash"); err == nil {
			return p
		}
	case ShellZsh:
		if p, err := exec.LookPath("zsh"); err == nil {
			return p
		}
	case ShellFish:
		if p, err := exec.LookPath("fish"); err == nil {
			return p
		}
	case ShellSh:
		return "/bin/sh"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
