package tcp

import (
	"net"

	"golang.org/x/sys/unix"
)

const defaultBacklog = 128

// listenTCP creates a non-blocking, listening TCP socket bound to addr,
// with SO_REUSEADDR set. Socket option setup (SO_REUSEADDR here;
// TCP_NODELAY and SO_KEEPALIVE on accepted and dialed sockets via
// setNoDelay/setKeepAlive) is kept as direct unix.SetsockoptInt calls
// rather than a dedicated helper type, per §2's Non-goals treating
// "socket option helpers" as an opaque, already-solved concern.
func listenTCP(addr *net.TCPAddr) (fd int, bound *net.TCPAddr, err error) {
	sa, family, err := tcpAddrToSockaddr(addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Listen(fd, defaultBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	bound, err = getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	return fd, bound, nil
}

// dialTCP creates a non-blocking TCP socket and returns it unconnected;
// the caller (DialTCP) performs the connect via hook.Connect so
// the blocking/suspension semantics live in one place.
func dialTCP(addr *net.TCPAddr) (fd int, sa unix.Sockaddr, err error) {
	sa, family, err := tcpAddrToSockaddr(addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	return fd, sa, nil
}

func setKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

func setNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}
