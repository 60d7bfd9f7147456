//go:build linux

// File: conn/connection_linux.go
// Author: momentics <momentics@gmail.com>
//
// Connection is the per-socket state machine, grounded on
// original_source/TcpConnection.cc. All state transitions and
// buffer mutation happen on the owning loop's thread; Send, Shutdown and
// ForceClose are the only state-changing methods safe to call from other
// threads, and they route through the loop's task queue to get there.
package conn

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/buffer"
	"github.com/momentics/reactorcore/channel"
	"github.com/momentics/reactorcore/eventloop"
	"github.com/momentics/reactorcore/internal/xlog"
	"github.com/momentics/reactorcore/netaddr"
	"github.com/momentics/reactorcore/sockopt"
)

// State is Connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// defaultHighWaterMark matches the original's 64 MiB default.
const defaultHighWaterMark = 64 * 1024 * 1024

// Connection wraps one accepted socket from handshake to teardown.
type Connection struct {
	loop *eventloop.EventLoop
	name string

	sockFD  int
	channel *channel.Channel

	localAddr netaddr.Address
	peerAddr  netaddr.Address

	state     atomic.Int32 // State, kept atomic so Connected()/Disconnected() are safe off-loop
	destroyed atomic.Bool

	inputBuffer   *buffer.Buffer
	outputBuffer  *buffer.Buffer
	highWaterMark int

	connectionCallback    func(*Connection)
	messageCallback       func(*Connection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*Connection)
	highWaterMarkCallback func(*Connection, int)
	closeCallback         func(*Connection)

	context any
}

// New constructs a Connection over an already-accepted, non-blocking
// socket. ConnectEstablished must be called once, on loop's thread,
// before any events are expected to fire.
func New(loop *eventloop.EventLoop, name string, sockFD int, local, peer netaddr.Address) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		sockFD:        sockFD,
		localAddr:     local,
		peerAddr:      peer,
		inputBuffer:   buffer.NewBuffer(),
		outputBuffer:  buffer.NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))

	c.channel = channel.New(loop, sockFD)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.Tie(func() (any, bool) { return c, !c.destroyed.Load() })

	if err := sockopt.SetKeepAlive(sockFD, true); err != nil {
		xlog.Errorf("conn: %s - SetKeepAlive: %v", name, err)
	}
	return c
}

// Name returns the connection's unique, server-assigned name.
func (c *Connection) Name() string { return c.name }

// LocalAddr returns the local endpoint.
func (c *Connection) LocalAddr() netaddr.Address { return c.localAddr }

// PeerAddr returns the remote endpoint.
func (c *Connection) PeerAddr() netaddr.Address { return c.peerAddr }

// Loop returns the EventLoop this connection is bound to.
func (c *Connection) Loop() *eventloop.EventLoop { return c.loop }

// Context returns the opaque, caller-supplied value attached via SetContext.
func (c *Connection) Context() any { return c.context }

// SetContext attaches an opaque, caller-owned value to the connection.
func (c *Connection) SetContext(ctx any) { c.context = ctx }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Connected reports whether the connection is in the CONNECTED state.
func (c *Connection) Connected() bool { return State(c.state.Load()) == StateConnected }

// Disconnected reports whether the connection is in the DISCONNECTED state.
func (c *Connection) Disconnected() bool { return State(c.state.Load()) == StateDisconnected }

// SetConnectionCallback installs the callback run on every CONNECTING ->
// CONNECTED transition and every transition into DISCONNECTED.
func (c *Connection) SetConnectionCallback(cb func(*Connection)) { c.connectionCallback = cb }

// SetMessageCallback installs the callback run each time new bytes have
// been appended to the input buffer.
func (c *Connection) SetMessageCallback(cb func(*Connection, *buffer.Buffer, time.Time)) {
	c.messageCallback = cb
}

// SetWriteCompleteCallback installs the callback queued once a Send's
// data has been fully handed to the kernel: right after a direct write
// that took all of it, or when handleWrite drains the output buffer.
func (c *Connection) SetWriteCompleteCallback(cb func(*Connection)) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs the callback run each time the
// output buffer's queued length crosses mark from below.
func (c *Connection) SetHighWaterMarkCallback(cb func(*Connection, int), mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetCloseCallback installs the callback the owning Server uses to learn
// that this connection has reached DISCONNECTED and should be erased
// from its connection map. Not intended for application code.
func (c *Connection) SetCloseCallback(cb func(*Connection)) { c.closeCallback = cb }

// ConnectEstablished transitions CONNECTING -> CONNECTED, starts
// watching the socket for readability, and fires the connection
// callback. Must run on the loop thread and exactly once.
func (c *Connection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) != StateConnecting {
		xlog.Fatalf("conn: %s - ConnectEstablished called outside CONNECTING state", c.name)
	}
	c.state.Store(int32(StateConnected))
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed, if the connection is still CONNECTED, transitions it
// to DISCONNECTED and fires the connection callback one last time (any
// other state is left as is); in every case it erases the channel from
// the demultiplexer. Must run on the loop thread.
func (c *Connection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	c.destroyed.Store(true)
}

// Send queues data for delivery, writing directly to the socket when
// possible and falling back to the output buffer (plus EPOLLOUT
// interest) when the kernel send buffer is full. Safe to call from any
// thread; data is copied before crossing threads.
func (c *Connection) Send(data []byte) {
	if State(c.state.Load()) != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

func (c *Connection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) == StateDisconnected {
		xlog.Errorf("conn: %s - giving up Send, connection already disconnected", c.name)
		return
	}

	nwrote := 0
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.sockFD, data)
		switch {
		case err == nil:
			nwrote = n
			if nwrote == len(data) && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			// kernel send buffer full; fall through to buffering the rest.
		default:
			xlog.Errorf("conn: %s - write: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if faultError {
		return
	}
	remaining := data[nwrote:]
	if len(remaining) == 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + len(remaining)
	if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		cb := c.highWaterMarkCallback
		c.loop.QueueInLoop(func() { cb(c, newLen) })
	}
	c.outputBuffer.Append(remaining)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown initiates a graceful half-close: once any buffered output has
// drained, the write side of the socket is closed via SHUT_WR, letting
// the peer observe EOF while this side may still read.
func (c *Connection) Shutdown() {
	if State(c.state.Load()) == StateConnected {
		c.state.Store(int32(StateDisconnecting))
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if err := sockopt.ShutdownWrite(c.sockFD); err != nil {
			xlog.Errorf("conn: %s - ShutdownWrite: %v", c.name, err)
		}
	}
}

// ForceClose tears the connection down immediately, without waiting for
// buffered output to drain.
func (c *Connection) ForceClose() {
	st := State(c.state.Load())
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *Connection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	st := State(c.state.Load())
	if st == StateConnected || st == StateDisconnecting {
		c.handleClose()
	}
}

func (c *Connection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := buffer.ReadFD(c.inputBuffer, c.sockFD)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		xlog.Errorf("conn: %s - handleRead: %v", c.name, err)
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		xlog.Errorf("conn: %s - handleWrite called with no write interest", c.name)
		return
	}
	// Written directly against the fd, bypassing Buffer's own WriteFD
	// helper, matching the original connection write path; WriteFD
	// remains available as a standalone utility for callers that want it.
	n, err := unix.Write(c.sockFD, c.outputBuffer.Peek())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		xlog.Errorf("conn: %s - handleWrite: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if State(c.state.Load()) == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) == StateDisconnected {
		return
	}
	c.channel.DisableAll()
	c.state.Store(int32(StateDisconnected))
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	err := sockopt.GetSocketError(c.sockFD)
	xlog.Errorf("conn: %s - SO_ERROR: %v", c.name, err)
}
