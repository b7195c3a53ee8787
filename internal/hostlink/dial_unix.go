//go:build !windows

package hostlink

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialWithRetry dials the host's Unix-domain socket, retrying while the
// socket file doesn't exist yet (the host process may not have bound its
// listener by the time the server starts dialing).
func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "unix", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
