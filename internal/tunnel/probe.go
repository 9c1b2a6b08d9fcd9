package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/treykane/iap-tunnel/internal/util"
)

// portOpen dials the forwarded port on loopback. Refusals, timeouts and any
// other dial failure all read as closed.
func portOpen(ctx context.Context, port uint16) bool {
	d := net.Dialer{Timeout: util.TunnelProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", util.LoopbackAddr(port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitForPortClosed polls until the port stops answering or timeout passes.
func waitForPortClosed(ctx context.Context, port uint16, timeout time.Duration) bool {
	return pollUntil(ctx, timeout, func() bool { return !portOpen(ctx, port) })
}
