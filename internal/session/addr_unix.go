//go:build !windows

package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// hostListenAddr returns the Unix-domain socket path spec.md §6 specifies:
// $TMPDIR/midterm-host-{sessionid}-{pid}.sock. pid is the main server's own
// process id, known before the host subprocess is spawned (see the
// Windows variant's doc comment for why).
func hostListenAddr(sessionID string, pid int) string {
	dir := os.TempDir()
	return filepath.Join(dir, fmt.Sprintf("midterm-host-%s-%d.sock", sessionID, pid))
}
