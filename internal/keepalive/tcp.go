//go:build linux

package keepalive

import (
	"net"

	"golang.org/x/sys/unix"
)

// TuneTCPConn sets TCP_NODELAY and a 1 s TCP keepalive initial delay on
// the connection's raw file descriptor, per spec.md §4.4: NAT-rebinding
// protection distinct from the WebSocket-layer ping/pong above. Non-TCP
// connections (e.g. in tests using net.Pipe) are left untouched.
func TuneTCPConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
