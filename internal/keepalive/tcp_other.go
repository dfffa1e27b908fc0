//go:build !linux

package keepalive

import "net"

// TuneTCPConn is a no-op on platforms where golang.org/x/sys/unix's
// TCP_KEEPIDLE/TCP_KEEPINTVL socket options aren't available in the form
// this package uses. The WebSocket-layer ping/pong keep-alive still runs
// unaffected; this only skips the extra NAT-rebinding socket tuning.
func TuneTCPConn(conn net.Conn) error {
	return nil
}
