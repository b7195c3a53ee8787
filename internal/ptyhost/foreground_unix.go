//go:build !windows

package ptyhost

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"midterm/internal/hostproto"
)

// getForegroundPGID reads the foreground process group of the PTY via
// TIOCGPGRP, the same ioctl used throughout the retrieval pack's terminal
// implementations (e.g. goshell's cmd/goshell/main.go).
func getForegroundPGID(fd uintptr) (int, error) {
	var pgid int
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, syscall.TIOCGPGRP, uintptr(unsafe.Pointer(&pgid)))
	if errno != 0 {
		return 0, errno
	}
	return pgid, nil
}

func (b *unixBackend) SampleForeground() (*hostproto.ForegroundPayload, error) {
	pgid, err := getForegroundPGID(b.ptmx.Fd())
	if err != nil {
		return nil, fmt.Errorf("tiocgpgrp: %w", err)
	}
	// The process-group leader's pid on Linux/BSD is conventionally the
	// process-group id itself; read its /proc entry for name/cmdline/cwd.
	name := procComm(pgid)
	cmdline := procCmdline(pgid)
	cwd := procCwd(pgid)
	return &hostproto.ForegroundPayload{
		Pid:         pgid,
		Name:        name,
		CommandLine: cmdline,
		Cwd:         cwd,
	}, nil
}

func procComm(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func procCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return strings.Join(parts, " ")
}

func procCwd(pid int) string {
	link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return link
}

// pidString formats a pid as a decimal string.
func pidString(pid int) string { return strconv.Itoa(pid) }
