// File: netaddr/address.go
// Author: momentics <momentics@gmail.com>
//
// Address is an IP+port value type used everywhere sockopt, acceptor,
// conn, and server need to talk about an endpoint without reaching for
// net.Addr's interface machinery, grounded on
// original_source/InetAddress.h.
package netaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Address is a resolved IPv4 or IPv6 endpoint.
type Address struct {
	IP   net.IP
	Port int
}

// New builds an Address from an already-parsed IP and a port.
func New(ip net.IP, port int) Address { return Address{IP: ip, Port: port} }

// Loopback returns 127.0.0.1:port, the default bind address for tests and
// examples when no explicit host is wanted.
func Loopback(port int) Address { return Address{IP: net.IPv4(127, 0, 0, 1), Port: port} }

// AnyIPv4 returns 0.0.0.0:port, the default bind-all address.
func AnyIPv4(port int) Address { return Address{IP: net.IPv4zero, Port: port} }

// Resolve parses a "host:port" string, resolving host via the standard
// resolver. An empty host resolves to the IPv4 bind-all address, matching
// InetAddress's default constructor behavior.
func Resolve(hostport string) (Address, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return Address{}, fmt.Errorf("netaddr: resolve %q: %w", hostport, err)
	}
	ip := tcpAddr.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	return Address{IP: ip, Port: tcpAddr.Port}, nil
}

// String renders the address as "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// IsIPv6 reports whether the address must be represented as sockaddr_in6.
func (a Address) IsIPv6() bool { return a.IP.To4() == nil }

// ToSockaddr converts the address into the unix.Sockaddr the raw socket
// syscalls (bind, connect) expect.
func (a Address) ToSockaddr() unix.Sockaddr {
	if v4 := a.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}

// FromSockaddr is ToSockaddr's inverse, used to decode the peer address
// returned by accept and the local address returned by getsockname.
func FromSockaddr(sa unix.Sockaddr) (Address, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, s.Addr[:])
		return Address{IP: ip, Port: s.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, s.Addr[:])
		return Address{IP: ip, Port: s.Port}, nil
	default:
		return Address{}, fmt.Errorf("netaddr: unsupported sockaddr type %T", sa)
	}
}
