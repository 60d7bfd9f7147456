//go:build linux

// File: poller/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// EPollPoller is the readiness-based demultiplexer, grounded on
// original_source/EPollPoller.{h,cc}. It wraps a single
// epoll instance and must only ever be touched from the EventLoop thread
// that owns it — EventLoop is responsible for routing cross-thread
// UpdateChannel/RemoveChannel requests through its own task queue.
package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/channel"
	"github.com/momentics/reactorcore/internal/clock"
)

// initEventListSize is the starting capacity of the epoll_wait event
// vector. It doubles whenever a poll fills it exactly, mirroring
// EPollPoller::poll's growth policy, up to maxEventListSize.
const initEventListSize = 16

// maxEventListSize caps the event vector's growth. Left uncapped, a
// sustained burst of simultaneously-ready descriptors would let the
// vector grow without bound; at the cap, Poll simply returns a full
// batch every call instead of growing further.
const maxEventListSize = 65536

// EPollPoller owns one epoll file descriptor and the set of channels
// currently registered with it.
type EPollPoller struct {
	epollFD  int
	events   []unix.EpollEvent
	channels map[int]*channel.Channel
}

// New creates an epoll instance with CLOEXEC set.
func New() (*EPollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &EPollPoller{
		epollFD:  fd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*channel.Channel),
	}, nil
}

// Close releases the epoll file descriptor.
func (p *EPollPoller) Close() error { return unix.Close(p.epollFD) }

// Poll blocks for up to timeoutMs milliseconds and returns the channels
// that became active, along with the timestamp the kernel returned
// control at. A negative timeoutMs blocks indefinitely, 0 returns
// immediately.
func (p *EPollPoller) Poll(timeoutMs int) (active []*channel.Channel, when time.Time, err error) {
	n, err := unix.EpollWait(p.epollFD, p.events, timeoutMs)
	when = clock.Now()
	if err != nil {
		if err == unix.EINTR {
			return nil, when, nil
		}
		return nil, when, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	active = p.fillActiveChannels(n)
	if n == len(p.events) && len(p.events) < maxEventListSize {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, when, nil
}

func (p *EPollPoller) fillActiveChannels(n int) []*channel.Channel {
	active := make([]*channel.Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		ch.SetRevents(channel.EventMask(p.events[i].Events))
		active = append(active, ch)
	}
	return active
}

// HasChannel reports whether c is currently the channel registered for its fd.
func (p *EPollPoller) HasChannel(c *channel.Channel) bool {
	ch, ok := p.channels[c.FD()]
	return ok && ch == c
}

// UpdateChannel registers a new channel or applies an interest-mask
// change for one already registered, per the NEW/ADDED/DELETED state
// machine on channel.State.
func (p *EPollPoller) UpdateChannel(c *channel.Channel) error {
	switch c.Index() {
	case channel.StateNew, channel.StateDeleted:
		if c.Index() == channel.StateNew {
			p.channels[c.FD()] = c
		}
		c.SetIndex(channel.StateAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, c)
	default: // StateAdded
		if c.IsNoneEvent() {
			c.SetIndex(channel.StateDeleted)
			return p.ctl(unix.EPOLL_CTL_DEL, c)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, c)
	}
}

// RemoveChannel erases a channel's registration entirely. The channel
// must have no interest mask left (the caller disables events first).
func (p *EPollPoller) RemoveChannel(c *channel.Channel) error {
	delete(p.channels, c.FD())
	var err error
	if c.Index() == channel.StateAdded {
		err = p.ctl(unix.EPOLL_CTL_DEL, c)
	}
	c.SetIndex(channel.StateNew)
	return err
}

func (p *EPollPoller) ctl(op int, c *channel.Channel) error {
	var ev unix.EpollEvent
	ev.Events = uint32(c.Events())
	ev.Fd = int32(c.FD())
	if err := unix.EpollCtl(p.epollFD, op, c.FD(), &ev); err != nil {
		return &CtlError{Op: op, Fd: c.FD(), Err: err}
	}
	return nil
}

// CtlError wraps an epoll_ctl failure together with the operation that
// failed, so a caller can tell a delete failure (recoverable — the
// descriptor is going away regardless) from an add/modify failure
// (unrecoverable — the demultiplexer's view of the fd is now wrong)
// apart, mirroring EPollPoller::update's LOG_SYSERR-vs-LOG_SYSFATAL split
// on EPOLL_CTL_DEL versus every other op.
type CtlError struct {
	Op  int
	Fd  int
	Err error
}

func (e *CtlError) Error() string {
	return fmt.Sprintf("poller: epoll_ctl(op=%d, fd=%d): %v", e.Op, e.Fd, e.Err)
}

func (e *CtlError) Unwrap() error { return e.Err }

// IsDelete reports whether the failed operation was EPOLL_CTL_DEL.
func (e *CtlError) IsDelete() bool { return e.Op == unix.EPOLL_CTL_DEL }
