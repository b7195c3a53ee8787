//go:build windows

package hostlink

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// dialWithRetry dials the host's named pipe, retrying while the server
// hasn't created it yet.
func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	for {
		conn, err := winio.DialPipeContext(ctx, addr)
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
