// File: channel/channel.go
// Author: momentics <momentics@gmail.com>
//
// Channel binds a file descriptor to the callbacks that should run when
// the descriptor becomes ready, and to the EventLoop that owns it.
// Channel does not own the descriptor — its owner (Acceptor or Connection)
// does — and it is not itself a connection abstraction. It is a thin,
// highly reusable piece of the Reactor pattern, grounded directly on
// original_source/Channel.{h,cc}.
//
// Go has no raw weak pointers the way the original uses std::weak_ptr to
// guard against dispatching into a half-destroyed owner, so the owner-tie
// here is an explicit liveness check instead: Tie installs a resolve
// function that the owner controls, and HandleEvent consults it before
// running any callback. This is a generation-counter-style alternative to
// a true weak pointer, adapted to Go's GC-managed lifetimes.
package channel

import (
	"time"

	"golang.org/x/sys/unix"
)

// EventMask is a bitmask over epoll's native event bits. Using the kernel's
// own bit values (rather than an abstracted enum) means the poller can
// hand them to epoll_ctl/epoll_wait without translation, exactly as
// original_source/Channel.cc does with EPOLLIN/EPOLLOUT.
type EventMask int32

const (
	EventNone EventMask = 0
	// EventRead is the interest mask for ordinary and priority readable data.
	EventRead EventMask = unix.EPOLLIN | unix.EPOLLPRI
	// EventWrite is the interest mask for writability.
	EventWrite EventMask = unix.EPOLLOUT
	// EventHangup is set by the kernel, never requested as interest.
	EventHangup EventMask = unix.EPOLLHUP
	// EventError is set by the kernel, never requested as interest.
	EventError EventMask = unix.EPOLLERR
)

// Has reports whether every bit in other is present in m.
func (m EventMask) Has(other EventMask) bool { return m&other == other }

// HasAny reports whether any bit in other is present in m.
func (m EventMask) HasAny(other EventMask) bool { return m&other != 0 }

// State is the demultiplexer's private bookkeeping index, stored on the
// Channel to avoid a second map lookup in the poller.
type State int

const (
	StateNew     State = -1
	StateAdded   State = 1
	StateDeleted State = 2
)

// LoopHandle is the subset of EventLoop that Channel needs in order to
// propagate interest-mask changes and removal requests. Defining it here,
// at the consumer, lets channel avoid importing the eventloop package
// (which itself must import channel), breaking what would otherwise be a
// circular dependency — *eventloop.EventLoop satisfies this interface
// structurally.
type LoopHandle interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
	IsInLoopThread() bool
}

// Channel is the descriptor + interest/observed masks + callbacks unit
// every file descriptor the reactor watches is wrapped in.
type Channel struct {
	loop    LoopHandle
	fd      int
	events  EventMask
	revents EventMask
	index   State

	tied  bool
	tieFn func() (owner any, alive bool)

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// New creates a Channel for fd, owned by loop. The channel starts with no
// interest and State = StateNew; it is not registered with the
// demultiplexer until the first EnableReading/EnableWriting call.
func New(loop LoopHandle, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: StateNew}
}

// FD returns the underlying file descriptor.
func (c *Channel) FD() int { return c.fd }

// Events returns the current interest mask.
func (c *Channel) Events() EventMask { return c.events }

// SetRevents records the mask the demultiplexer observed for this
// descriptor on the most recent poll. Called only by the poller.
func (c *Channel) SetRevents(revents EventMask) { c.revents = revents }

// Index returns the demultiplexer's bookkeeping state for this channel.
func (c *Channel) Index() State { return c.index }

// SetIndex updates the demultiplexer's bookkeeping state. Called only by
// the poller.
func (c *Channel) SetIndex(s State) { c.index = s }

// SetReadCallback installs the callback run when the channel becomes
// readable or has priority data.
func (c *Channel) SetReadCallback(cb func(time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the callback run when the channel becomes writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the callback run on a hangup without pending input.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the callback run when the descriptor reports an error.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Tie binds the channel's dispatch to the liveness of a logical owner.
// resolve should return the owner and true while it is safe to dispatch,
// or (nil, false) once the owner has begun tearing down. HandleEvent
// consults resolve before running any callback.
func (c *Channel) Tie(resolve func() (any, bool)) {
	c.tieFn = resolve
	c.tied = true
}

// EnableReading adds READ to the interest mask and asks the loop to
// propagate the change to the demultiplexer.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

// DisableReading clears READ from the interest mask.
func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

// EnableWriting adds WRITE to the interest mask.
func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

// DisableWriting clears WRITE from the interest mask.
func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

// DisableAll clears the entire interest mask.
func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

// IsNoneEvent reports whether the interest mask is empty.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

// IsWriting reports whether WRITE is currently in the interest mask.
func (c *Channel) IsWriting() bool { return c.events.HasAny(EventWrite) }

// IsReading reports whether READ is currently in the interest mask.
func (c *Channel) IsReading() bool { return c.events.HasAny(EventRead) }

// Remove asks the owning loop to erase this channel from the
// demultiplexer entirely. Must be called on the loop thread.
func (c *Channel) Remove() { c.loop.RemoveChannel(c) }

func (c *Channel) update() { c.loop.UpdateChannel(c) }

// HandleEvent is the dispatch entry point invoked by the EventLoop for
// every channel the poller reported as active. It resolves the owner-tie
// first, skipping dispatch entirely if the owner has already begun
// tearing down.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		if _, alive := c.tieFn(); !alive {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	if c.revents.Has(EventHangup) && !c.revents.HasAny(EventRead) {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents.HasAny(EventError) {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents.HasAny(EventRead) {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents.HasAny(EventWrite) {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
