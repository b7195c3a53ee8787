//go:build windows

package ptyhost

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsBackend wraps a ConPTY instance. Modeled on the teacher's
// internal/terminal/conpty_windows.go handleIO pattern: read/write copy the
// handle under a short lock then perform the blocking syscall unlocked, so
// Close can invalidate the handle without deadlocking an in-flight I/O call.
type windowsBackend struct {
	mu     sync.Mutex
	hPC    windows.Handle
	hIn    windows.Handle // write end the host writes into (PTY stdin)
	hOut   windows.Handle // read end the host reads from (PTY stdout)
	proc   *windows.ProcessInformation
	closed bool
}

func startProcess(cfg ProcessConfig) (ptyBackend, error) {
	var pipeInRead, pipeInWrite, pipeOutRead, pipeOutWrite windows.Handle
	if err := windows.CreatePipe(&pipeInRead, &pipeInWrite, nil, 0); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := windows.CreatePipe(&pipeOutRead, &pipeOutWrite, nil, 0); err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	var hPC windows.Handle
	size := uintptr(cfg.Cols) | uintptr(cfg.Rows)<<16
	ret, _, _ := procCreatePseudoConsole.Call(
		size,
		uintptr(pipeInRead),
		uintptr(pipeOutWrite),
		0,
		uintptr(unsafe.Pointer(&hPC)),
	)
	// pipeInRead/pipeOutWrite are owned by ConPTY after CreatePseudoConsole.
	if ret != 0 {
		return nil, fmt.Errorf("CreatePseudoConsole failed: hresult=0x%x", ret)
	}

	cmdLine := buildCommandLine(cfg.ShellPath, cfg.Args)
	procInfo, err := launchAttachedToConPTY(hPC, cmdLine, cfg.Dir, cfg.Env)
	if err != nil {
		return nil, err
	}

	return &windowsBackend{
		hPC:  hPC,
		hIn:  pipeInWrite,
		hOut: pipeOutRead,
		proc: procInfo,
	}, nil
}

func (b *windowsBackend) Read(p []byte) (int, error) {
	b.mu.Lock()
	h := b.hOut
	closed := b.closed
	b.mu.Unlock()
	if closed || h == 0 {
		return 0, io.EOF
	}
	var n uint32
	err := windows.ReadFile(h, p, &n, nil)
	return int(n), err
}

func (b *windowsBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	h := b.hIn
	closed := b.closed
	b.mu.Unlock()
	if closed || h == 0 {
		return 0, io.ErrClosedPipe
	}
	var n uint32
	err := windows.WriteFile(h, p, &n, nil)
	return int(n), err
}

func (b *windowsBackend) Resize(cols, rows int) error {
	b.mu.Lock()
	hPC := b.hPC
	b.mu.Unlock()
	size := uintptr(cols) | uintptr(rows)<<16
	ret, _, _ := procResizePseudoConsole.Call(uintptr(hPC), size)
	if ret != 0 {
		return fmt.Errorf("ResizePseudoConsole failed: hresult=0x%x", ret)
	}
	return nil
}

func (b *windowsBackend) Pid() int {
	if b.proc == nil {
		return 0
	}
	return int(b.proc.ProcessId)
}

func (b *windowsBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	hPC, hIn, hOut := b.hPC, b.hIn, b.hOut
	b.mu.Unlock()

	procClosePseudoConsole.Call(uintptr(hPC))
	windows.CloseHandle(hIn)
	windows.CloseHandle(hOut)
	if b.proc != nil {
		windows.TerminateProcess(b.proc.Process, 1)
		windows.CloseHandle(b.proc.Process)
		windows.CloseHandle(b.proc.Thread)
	}
	return nil
}

func defaultShellForKind(kind ShellKind) string {
	switch kind {
	case ShellPwsh:
		if p, err := exec.LookPath("pwsh.exe"); err == nil {
			return p
		}
	case ShellCmd:
		return "cmd.exe"
	}
	return "powershell.exe"
}
