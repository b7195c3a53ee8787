//go:build windows

package ptyhost

import (
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"

	"github.com/Microsoft/go-winio"
)

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

// listen opens the named pipe at addr (spec.md §6:
// `\\.\pipe\midterm-host-{sessionid}-{pid}`) with a DACL granting access
// only to the owning process's user, mirroring the teacher's
// internal/ipc/pipe_server.go listenPipeWithCurrentUserDACL.
func listen(addr string) (net.Listener, error) {
	sd, err := currentUserSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	ln, err := winio.ListenPipe(addr, &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    1 << 20,
		OutputBufferSize:   1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", addr, err)
	}
	return ln, nil
}

func currentUserSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" || !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %q", sid)
	}
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
