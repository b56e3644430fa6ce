package tcp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ResolveTCPAddr parses network address strings ("host:port"). Address
// string parsing is treated as an opaque, already-solved concern per
// §2's Non-goals — this simply forwards to net.ResolveTCPAddr rather than
// reimplementing hostname/port syntax.
func ResolveTCPAddr(network, address string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr(network, address)
}

// sockaddrToTCPAddr converts a raw syscall sockaddr (as returned by
// accept4(2)/getsockname(2)) into a net.TCPAddr. This is conversion
// between two already-parsed representations, not address parsing.
func sockaddrToTCPAddr(sa unix.Sockaddr) (*net.TCPAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}, nil
	default:
		return nil, fmt.Errorf("tcp: unsupported sockaddr type %T", sa)
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (sa unix.Sockaddr, family int, err error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: addr.Port}
		copy(s.Addr[:], ip4)
		return s, unix.AF_INET, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		// the zero net.TCPAddr (nil IP) means "any address"; default to
		// INADDR_ANY over IPv4, matching net.Listen's own default.
		return &unix.SockaddrInet4{Port: addr.Port}, unix.AF_INET, nil
	}
	s := &unix.SockaddrInet6{Port: addr.Port}
	copy(s.Addr[:], ip6)
	return s, unix.AF_INET6, nil
}

func getsockname(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa)
}

func getpeername(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa)
}
