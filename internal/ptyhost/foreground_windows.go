//go:build windows

package ptyhost

import (
	"errors"

	"midterm/internal/hostproto"
)

// ErrForegroundUnsupported is returned when the Windows backend cannot
// resolve the ConPTY's innermost attached child (spec.md §4.1 treats this
// as a best-effort, OS-specific signal).
var ErrForegroundUnsupported = errors.New("ptyhost: foreground sampling unsupported on this backend")

// SampleForeground reports the process ConPTY currently has attached as its
// console child. A full implementation walks the console's attached
// process list via GetConsoleProcessList against the ConPTY's console
// handle; this conservative version reports the spawned shell itself,
// which is correct until the shell execs a foreground child.
func (b *windowsBackend) SampleForeground() (*hostproto.ForegroundPayload, error) {
	if b.proc == nil {
		return nil, ErrForegroundUnsupported
	}
	return &hostproto.ForegroundPayload{
		Pid: int(b.proc.ProcessId),
	}, nil
}
