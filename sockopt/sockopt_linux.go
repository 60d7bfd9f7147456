//go:build linux

// File: sockopt/sockopt_linux.go
// Author: momentics <momentics@gmail.com>
//
// sockopt wraps the raw socket syscalls Acceptor and Connection need,
// grounded on original_source/Socket.cc. Every socket created here is
// non-blocking and close-on-exec from birth, matching
// sockets::createNonblockingOrDie's single createSocket+setNonBlockAndCloseOnExec call.
package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/netaddr"
)

// listenBacklog mirrors the original's SOMAXCONN-independent fixed
// backlog for the listening socket.
const listenBacklog = 1024

// CreateNonblockingSocket creates a TCP socket, IPv4 or IPv6 depending on
// addr, with SOCK_NONBLOCK|SOCK_CLOEXEC set atomically at creation.
func CreateNonblockingSocket(addr netaddr.Address) (int, error) {
	domain := unix.AF_INET
	if addr.IsIPv6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("sockopt: socket: %w", err)
	}
	return fd, nil
}

// SetReuseAddr sets or clears SO_REUSEADDR.
func SetReuseAddr(fd int, on bool) error {
	return setIntOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

// SetReusePort sets or clears SO_REUSEPORT, allowing multiple processes
// (or multiple listening sockets within one process) to bind the same
// address:port for load-balanced accept.
func SetReusePort(fd int, on bool) error {
	return setIntOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

// SetKeepAlive sets or clears SO_KEEPALIVE on an established connection socket.
func SetKeepAlive(fd int, on bool) error {
	return setIntOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

// SetTCPNoDelay sets or clears TCP_NODELAY, disabling Nagle's algorithm
// when on is true so small writes are not coalesced and delayed.
func SetTCPNoDelay(fd int, on bool) error {
	return setIntOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

func setIntOpt(fd, level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, level, opt, v); err != nil {
		return fmt.Errorf("sockopt: setsockopt(level=%d, opt=%d): %w", level, opt, err)
	}
	return nil
}

// Bind binds fd to addr.
func Bind(fd int, addr netaddr.Address) error {
	if err := unix.Bind(fd, addr.ToSockaddr()); err != nil {
		return fmt.Errorf("sockopt: bind %s: %w", addr, err)
	}
	return nil
}

// Listen marks fd as a listening socket with a fixed backlog.
func Listen(fd int) error {
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fmt.Errorf("sockopt: listen: %w", err)
	}
	return nil
}

// Accept accepts one pending connection from the listening socket fd,
// returning it already non-blocking and close-on-exec, along with the
// peer's address. Returns unix.EAGAIN (unwrapped) when nothing is pending,
// which callers should treat as a no-op, not an error worth logging.
func Accept(fd int) (connFD int, peer netaddr.Address, err error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netaddr.Address{}, err
	}
	peer, err = netaddr.FromSockaddr(sa)
	if err != nil {
		unix.Close(nfd)
		return -1, netaddr.Address{}, err
	}
	return nfd, peer, nil
}

// ShutdownWrite performs a half-close: the write side only, via
// shutdown(fd, SHUT_WR), letting callers drain the read side of the
// connection after they have finished sending.
func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("sockopt: shutdown(SHUT_WR): %w", err)
	}
	return nil
}

// GetSockName reads back the local address the kernel assigned to fd,
// used after bind (or after an ephemeral-port Listen) to discover the
// actual bound port.
func GetSockName(fd int) (netaddr.Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netaddr.Address{}, fmt.Errorf("sockopt: getsockname: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}

// GetPeerName reads back the remote address connected to fd.
func GetPeerName(fd int) (netaddr.Address, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netaddr.Address{}, fmt.Errorf("sockopt: getpeername: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}

// GetSocketError reads and clears SO_ERROR, the way a readable-but-failed
// connect or a spurious EPOLLERR wakeup is diagnosed.
func GetSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sockopt: getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Close closes fd.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("sockopt: close: %w", err)
	}
	return nil
}
