// File: eventloop/eventloop.go
// Author: momentics <momentics@gmail.com>
//
// EventLoop is the one-loop-per-thread driver, grounded on
// original_source/EventLoop.cc and CurrentThread.h. Exactly
// one EventLoop may exist per OS thread; callers that intend to run a
// loop are expected to pin their goroutine to an OS thread first (via
// runtime.LockOSThread, as eventloop.LoopThread does) before calling New
// and Run, since the one-per-thread invariant is enforced against the
// calling OS thread id, not the goroutine.
package eventloop

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/reactorcore/channel"
	"github.com/momentics/reactorcore/internal/tid"
	"github.com/momentics/reactorcore/internal/xlog"
	"github.com/momentics/reactorcore/poller"
)

// pollTimeoutMs bounds how long a single poll call may block, so the loop
// periodically has a chance to notice external state changes even absent
// an explicit wakeup.
const pollTimeoutMs = 10000

var (
	registryMu sync.Mutex
	byThread   = map[int]*EventLoop{}
)

// EventLoop runs poll -> dispatch -> doPendingFunctors on whichever OS
// thread called New, until Quit is called.
type EventLoop struct {
	threadID int

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool

	poller        *poller.EPollPoller
	wakeupFD      int
	wakeupChannel *channel.Channel

	mu              sync.Mutex
	pendingFunctors *queue.Queue

	iteration atomic.Uint64
	lastPoll  atomic.Value // time.Time
}

// New constructs an EventLoop bound to the calling OS thread. It fails
// fatally, matching the original's LOG_FATAL-on-violation behavior, if
// another EventLoop already exists on this thread.
func New() (*EventLoop, error) {
	threadID := tid.Current()

	registryMu.Lock()
	if existing, ok := byThread[threadID]; ok {
		registryMu.Unlock()
		xlog.Fatalf("eventloop: another EventLoop (%p) already exists in thread %d", existing, threadID)
	}
	registryMu.Unlock()

	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.Close()
		return nil, err
	}

	l := &EventLoop{
		threadID:        threadID,
		poller:          p,
		wakeupFD:        wakeupFD,
		pendingFunctors: queue.New(),
	}
	l.lastPoll.Store(time.Time{})
	l.wakeupChannel = channel.New(l, wakeupFD)
	l.wakeupChannel.SetReadCallback(l.handleWakeupRead)
	l.wakeupChannel.EnableReading()

	registryMu.Lock()
	byThread[threadID] = l
	registryMu.Unlock()

	return l, nil
}

// Close tears down the loop's poller and wakeup descriptor and forgets
// its thread registration. Run must have returned before calling Close.
func (l *EventLoop) Close() error {
	registryMu.Lock()
	delete(byThread, l.threadID)
	registryMu.Unlock()

	l.wakeupChannel.DisableAll()
	unix.Close(l.wakeupFD)
	return l.poller.Close()
}

// IsInLoopThread reports whether the calling OS thread is the one this
// loop was constructed on.
func (l *EventLoop) IsInLoopThread() bool { return tid.Current() == l.threadID }

// AssertInLoopThread fails fatally if called from any thread other than
// the loop's own.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		xlog.Fatalf("eventloop: operation not performed in loop thread %d (called from %d)", l.threadID, tid.Current())
	}
}

// Iteration returns the number of completed poll cycles, for runtime
// introspection.
func (l *EventLoop) Iteration() uint64 { return l.iteration.Load() }

// LastPoll returns the timestamp of the most recently completed poll call.
func (l *EventLoop) LastPoll() time.Time { return l.lastPoll.Load().(time.Time) }

// Run drives the loop until Quit is called. It must be invoked from the
// same OS thread that called New.
func (l *EventLoop) Run() {
	if !l.looping.CompareAndSwap(false, true) {
		xlog.Fatalf("eventloop: Run called while already looping")
	}
	l.AssertInLoopThread()
	defer l.looping.Store(false)

	for !l.quit.Load() {
		active, when, err := l.poller.Poll(pollTimeoutMs)
		if err != nil {
			xlog.Errorf("eventloop: poll: %v", err)
			continue
		}
		l.iteration.Add(1)
		l.lastPoll.Store(when)
		for _, ch := range active {
			ch.HandleEvent(when)
		}
		l.doPendingFunctors()
	}
}

// Quit asks the loop to stop after completing its current iteration. Safe
// to call from any thread.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop runs fn immediately if called from the loop thread, otherwise
// schedules it via QueueInLoop.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop appends fn to the pending-functor queue and wakes the loop
// if the call came from another thread, or if the loop is already in the
// middle of draining pending functors (so a functor that schedules
// another functor is not silently delayed a full poll cycle).
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingFunctors.Add(fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.Wakeup()
	}
}

// Wakeup forces a blocked Poll call to return immediately by writing to
// the loop's eventfd.
func (l *EventLoop) Wakeup() {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, 1)
	if _, err := unix.Write(l.wakeupFD, buf); err != nil {
		xlog.Errorf("eventloop: wakeup write: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead(time.Time) {
	buf := make([]byte, 8)
	n, err := unix.Read(l.wakeupFD, buf)
	if err != nil || n != 8 {
		xlog.Errorf("eventloop: wakeup reads %d bytes instead of 8 (err=%v)", n, err)
	}
}

// doPendingFunctors swaps out the pending queue under the lock, bounding
// the critical section to O(1), then runs every functor outside the lock
// so a functor that itself calls QueueInLoop cannot deadlock.
func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)
	defer l.callingPendingFunctors.Store(false)

	l.mu.Lock()
	pending := l.pendingFunctors
	l.pendingFunctors = queue.New()
	l.mu.Unlock()

	for pending.Length() > 0 {
		fn, ok := pending.Remove().(func())
		if ok && fn != nil {
			fn()
		}
	}
}

// UpdateChannel propagates an interest-mask change to the loop's poller.
// Must be called from the loop thread; callers outside it should go
// through RunInLoop. An ADD/MOD failure leaves the demultiplexer's view
// of the descriptor inconsistent with the channel's own bookkeeping and
// is unrecoverable, so it is fatal; a DEL failure (the descriptor is
// being dropped regardless) is merely logged.
func (l *EventLoop) UpdateChannel(c *channel.Channel) {
	l.AssertInLoopThread()
	if err := l.poller.UpdateChannel(c); err != nil {
		var ctlErr *poller.CtlError
		if errors.As(err, &ctlErr) && ctlErr.IsDelete() {
			xlog.Errorf("eventloop: update channel: %v", err)
			return
		}
		xlog.Fatalf("eventloop: update channel: %v", err)
	}
}

// RemoveChannel erases a channel's registration from the loop's poller.
// Must be called from the loop thread.
func (l *EventLoop) RemoveChannel(c *channel.Channel) {
	l.AssertInLoopThread()
	if err := l.poller.RemoveChannel(c); err != nil {
		xlog.Errorf("eventloop: remove channel: %v", err)
	}
}
