//go:build windows

package session

import "fmt"

// hostListenAddr returns the named pipe path spec.md §6 specifies:
// \\.\pipe\midterm-host-{sessionid}-{pid}. pid here is the main server's
// own process id (known before the host is spawned), not the host's —
// resolving spec.md's ambiguity about which process the pid identifies in
// favor of the one address-allocation can name up front; see DESIGN.md.
func hostListenAddr(sessionID string, pid int) string {
	return fmt.Sprintf(`\\.\pipe\midterm-host-%s-%d`, sessionID, pid)
}
