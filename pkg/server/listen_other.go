//go:build !linux

package server

import "syscall"

func ListenerControl(_ ListenerSocketOpts) func(network, address string, c syscall.RawConn) error {
	return nil
}
