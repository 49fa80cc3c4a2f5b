//go:build linux

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenerControl returns a net.ListenConfig Control func that applies opts.
func ListenerControl(opts ListenerSocketOpts) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if opts.SO_REUSEPORT {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
					return
				}
			}
			if opts.SO_RCVBUF > 0 {
				// The kernel caps it at net.core.rmem_max silently.
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.SO_RCVBUF)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
