//go:build linux

// File: acceptor/acceptor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Acceptor owns the listening socket and hands each accepted connection
// to its owner via callback, or closes it immediately if no callback is
// installed, grounded on original_source/Acceptor.cc. It also carries
// Acceptor.cc's idle-fd trick for surviving a process-wide file
// descriptor exhaustion (EMFILE) without spinning: one spare descriptor
// is held open and released just long enough to accept-and-drop the
// connection that would otherwise keep the listening socket perpetually
// readable.
package acceptor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/channel"
	"github.com/momentics/reactorcore/eventloop"
	"github.com/momentics/reactorcore/internal/xlog"
	"github.com/momentics/reactorcore/netaddr"
	"github.com/momentics/reactorcore/sockopt"
)

// Acceptor listens on one address and dispatches accepted connections on
// its owning loop's thread.
type Acceptor struct {
	loop      *eventloop.EventLoop
	listenFD  int
	channel   *channel.Channel
	idleFD    int
	listening bool

	newConnectionCallback func(fd int, peer netaddr.Address)
}

// New creates a non-blocking listening socket bound to addr. reusePort
// enables SO_REUSEPORT so multiple Acceptors in the same process (or
// different processes) can share the address for load-balanced accept.
func New(loop *eventloop.EventLoop, addr netaddr.Address, reusePort bool) (*Acceptor, error) {
	fd, err := sockopt.CreateNonblockingSocket(addr)
	if err != nil {
		return nil, err
	}
	if err := sockopt.SetReuseAddr(fd, true); err != nil {
		sockopt.Close(fd)
		return nil, err
	}
	if reusePort {
		if err := sockopt.SetReusePort(fd, true); err != nil {
			sockopt.Close(fd)
			return nil, err
		}
	}
	if err := sockopt.Bind(fd, addr); err != nil {
		sockopt.Close(fd)
		return nil, err
	}

	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		sockopt.Close(fd)
		return nil, err
	}

	a := &Acceptor{loop: loop, listenFD: fd, idleFD: idleFD}
	a.channel = channel.New(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback installs the callback run for every accepted
// connection. Must be called before Listen.
func (a *Acceptor) SetNewConnectionCallback(cb func(fd int, peer netaddr.Address)) {
	a.newConnectionCallback = cb
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Addr returns the address the kernel actually bound the listening
// socket to, which matters when the configured port was 0.
func (a *Acceptor) Addr() (netaddr.Address, error) {
	return sockopt.GetSockName(a.listenFD)
}

// Listen marks the socket as listening and starts watching it for
// readability. Must be called from the owning loop's thread.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	a.listening = true
	if err := sockopt.Listen(a.listenFD); err != nil {
		return err
	}
	a.channel.EnableReading()
	return nil
}

// Close stops watching the listening socket and releases both the
// listening and idle descriptors.
func (a *Acceptor) Close() {
	a.loop.AssertInLoopThread()
	a.channel.DisableAll()
	a.channel.Remove()
	sockopt.Close(a.listenFD)
	unix.Close(a.idleFD)
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()

	connFD, peer, err := sockopt.Accept(a.listenFD)
	if err != nil {
		a.handleAcceptError(err)
		return
	}
	if a.newConnectionCallback != nil {
		a.newConnectionCallback(connFD, peer)
	} else {
		sockopt.Close(connFD)
	}
}

func (a *Acceptor) handleAcceptError(err error) {
	if err == unix.EAGAIN {
		return
	}
	xlog.Errorf("acceptor: accept: %v", err)
	if err != unix.EMFILE {
		return
	}
	unix.Close(a.idleFD)
	discardFD, _, acceptErr := sockopt.Accept(a.listenFD)
	if acceptErr == nil {
		unix.Close(discardFD)
	}
	a.idleFD, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}
