// File: eventloop/loopthread.go
// Author: momentics <momentics@gmail.com>
//
// LoopThread starts exactly one OS thread and runs exactly one EventLoop
// on it, publishing the constructed loop back to the caller once it is
// ready to accept work. Grounded on
// original_source/EventLoopThread.cc, whose mutex+condition-variable
// handshake becomes a buffered channel here.
package eventloop

import (
	"runtime"

	"github.com/momentics/reactorcore/internal/xlog"
)

// LoopThread owns the goroutine/OS-thread pair backing a single worker EventLoop.
type LoopThread struct {
	init    func(*EventLoop)
	readyCh chan *EventLoop
}

// NewLoopThread creates a LoopThread. init, if non-nil, runs on the new
// thread after the EventLoop is constructed but before it starts polling,
// letting callers install per-worker setup such as CPU affinity.
func NewLoopThread(init func(*EventLoop)) *LoopThread {
	return &LoopThread{init: init, readyCh: make(chan *EventLoop, 1)}
}

// StartLoop spawns the thread and blocks until its EventLoop has been
// constructed and is ready to run, returning it.
func (t *LoopThread) StartLoop() *EventLoop {
	go t.threadFunc()
	return <-t.readyCh
}

func (t *LoopThread) threadFunc() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop, err := New()
	if err != nil {
		xlog.Fatalf("loopthread: failed to construct EventLoop: %v", err)
	}
	if t.init != nil {
		t.init(loop)
	}
	t.readyCh <- loop
	loop.Run()
	loop.Close()
}
