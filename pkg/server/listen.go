package server

import (
	"context"
	"fmt"
	"net"
)

const defaultRcvBuf = 1 << 20

// ListenerSocketOpts are applied to the socket before it is bound.
// Options that the platform does not support are ignored.
type ListenerSocketOpts struct {
	SO_REUSEPORT bool
	SO_RCVBUF    int
}

// ListenUDP binds a udp socket on addr with an enlarged receive buffer.
func ListenUDP(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: ListenerControl(ListenerSocketOpts{SO_RCVBUF: defaultRcvBuf})}
	c, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return c, nil
}
