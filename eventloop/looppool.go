// File: eventloop/looppool.go
// Author: momentics <momentics@gmail.com>
//
// LoopPool distributes I/O work across a fixed set of worker EventLoops
// using round robin, grounded on
// original_source/EventLoopThreadPool.cc. A pool with zero worker
// threads degrades to handing every connection to the base loop, which
// is the documented single-threaded mode.
package eventloop

import (
	"sync"

	"github.com/momentics/reactorcore/internal/xlog"
)

// LoopPool owns the pool of worker EventLoops that a Server hands
// accepted connections to.
type LoopPool struct {
	base       *EventLoop
	numThreads int
	workerInit func(workerIndex int, loop *EventLoop)

	mu      sync.Mutex
	next    int
	threads []*LoopThread
	loops   []*EventLoop
	started bool
}

// NewLoopPool creates a pool whose base loop (the acceptor's loop) also
// serves as the fallback worker when SetThreadNum is never called or
// called with 0.
func NewLoopPool(base *EventLoop) *LoopPool {
	return &LoopPool{base: base}
}

// SetThreadNum sets how many worker EventLoops Start will spin up. Must
// be called before Start.
func (p *LoopPool) SetThreadNum(n int) { p.numThreads = n }

// SetWorkerInit installs a callback run on each worker thread right
// after its EventLoop is constructed and before it starts polling. Used
// by Server to wire optional CPU-affinity pinning without this package
// depending on the affinity package directly.
func (p *LoopPool) SetWorkerInit(fn func(workerIndex int, loop *EventLoop)) {
	p.workerInit = fn
}

// Start spins up the configured number of worker threads. Must be called
// from the base loop's thread, and is not idempotent: a second call is a
// programming error and fails fatally, matching TcpServer::start's
// once-only semantics for the pool it owns.
func (p *LoopPool) Start() []*EventLoop {
	p.base.AssertInLoopThread()
	if p.started {
		xlog.Fatalf("looppool: Start called more than once")
	}
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		idx := i
		t := NewLoopThread(func(loop *EventLoop) {
			if p.workerInit != nil {
				p.workerInit(idx, loop)
			}
		})
		loop := t.StartLoop()
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}
	return p.AllLoops()
}

// NextLoop returns the next worker loop in round-robin order, or the base
// loop if no workers were started.
func (p *LoopPool) NextLoop() *EventLoop {
	p.base.AssertInLoopThread()

	if len(p.loops) == 0 {
		return p.base
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns every loop available to handle connections: the
// worker loops if any were started, otherwise a single-element slice
// holding the base loop.
func (p *LoopPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}
