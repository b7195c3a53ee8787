//go:build windows

package ptyhost

import (
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procCreatePseudoConsole = modkernel32.NewProc("CreatePseudoConsole")
	procResizePseudoConsole = modkernel32.NewProc("ResizePseudoConsole")
	procClosePseudoConsole  = modkernel32.NewProc("ClosePseudoConsole")
)

const (
	extendedStartupinfoPresent    = 0x00080000
	procThreadAttributePseudoconsole = 0x00020016
)

// launchAttachedToConPTY starts shellPath as a child process whose console is
// the given pseudoconsole, via STARTUPINFOEX + UpdateProcThreadAttribute.
// Mirrors the teacher's conpty_windows.go launch sequence, condensed.
func launchAttachedToConPTY(hPC windows.Handle, cmdLine, dir string, env []string) (*windows.ProcessInformation, error) {
	var attrListSize uintptr
	windows.InitializeProcThreadAttributeList(nil, 1, 0, &attrListSize)

	attrList := make([]byte, attrListSize)
	attrListPtr := (*windows.ProcThreadAttributeListContainer)(unsafe.Pointer(&attrList[0]))
	if err := windows.InitializeProcThreadAttributeList(attrListPtr, 1, 0, &attrListSize); err != nil {
		return nil, fmt.Errorf("InitializeProcThreadAttributeList: %w", err)
	}
	if err := windows.UpdateProcThreadAttribute(
		attrListPtr,
		0,
		procThreadAttributePseudoconsole,
		unsafe.Pointer(hPC),
		unsafe.Sizeof(hPC),
		nil,
		nil,
	); err != nil {
		return nil, fmt.Errorf("UpdateProcThreadAttribute: %w", err)
	}

	startupInfo := &windows.StartupInfoEx{
		StartupInfo: windows.StartupInfo{Cb: uint32(unsafe.Sizeof(windows.StartupInfoEx{}))},
		ProcThreadAttributeList: attrListPtr,
	}

	var procInfo windows.ProcessInformation
	cmdLineUTF16, err := windows.UTF16PtrFromString(cmdLine)
	if err != nil {
		return nil, err
	}
	var dirPtr *uint16
	if dir != "" {
		dirPtr, err = windows.UTF16PtrFromString(dir)
		if err != nil {
			return nil, err
		}
	}
	var envPtr *uint16
	if len(env) > 0 {
		envPtr, err = windows.UTF16PtrFromString(strings.Join(env, "\x00") + "\x00\x00")
		if err != nil {
			return nil, err
		}
	}

	err = windows.CreateProcess(
		nil,
		cmdLineUTF16,
		nil,
		nil,
		false,
		extendedStartupinfoPresent,
		envPtr,
		dirPtr,
		&startupInfo.StartupInfo,
		&procInfo,
	)
	if err != nil {
		return nil, fmt.Errorf("CreateProcess: %w", err)
	}
	return &procInfo, nil
}

func buildCommandLine(shellPath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, syscall.EscapeArg(shellPath))
	for _, a := range args {
		parts = append(parts, syscall.EscapeArg(a))
	}
	return strings.Join(parts, " ")
}
