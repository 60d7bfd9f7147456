package eventloop

import (
	"runtime"
	"testing"
	"time"
)

func TestLoopPoolRoundRobinsAcrossWorkers(t *testing.T) {
	base, stop := newRunning(t)
	defer stop()

	var pool *LoopPool
	var loops []*EventLoop
	done := make(chan struct{})
	base.RunInLoop(func() {
		pool = NewLoopPool(base)
		pool.SetThreadNum(3)
		loops = pool.Start()
		close(done)
	})
	waitDone(t, done)

	if len(loops) != 3 {
		t.Fatalf("Start() returned %d loops, want 3", len(loops))
	}
	defer func() {
		for _, l := range loops {
			l.Quit()
		}
	}()

	seen := make(map[*EventLoop]int)
	next := make(chan *EventLoop)
	for i := 0; i < 9; i++ {
		base.RunInLoop(func() { next <- pool.NextLoop() })
		seen[<-next]++
	}
	if len(seen) != 3 {
		t.Fatalf("round robin touched %d distinct loops, want 3", len(seen))
	}
	for l, count := range seen {
		if count != 3 {
			t.Fatalf("loop %p handled %d turns, want 3", l, count)
		}
	}
}

func TestLoopPoolWithZeroWorkersFallsBackToBase(t *testing.T) {
	base, stop := newRunning(t)
	defer stop()

	var pool *LoopPool
	var loops []*EventLoop
	done := make(chan struct{})
	base.RunInLoop(func() {
		pool = NewLoopPool(base)
		loops = pool.Start()
		close(done)
	})
	waitDone(t, done)

	if len(loops) != 1 || loops[0] != base {
		t.Fatalf("expected fallback to base loop, got %v", loops)
	}

	got := make(chan *EventLoop, 1)
	base.RunInLoop(func() { got <- pool.NextLoop() })
	if l := <-got; l != base {
		t.Fatalf("NextLoop() = %p, want base loop %p", l, base)
	}
}

func TestLoopPoolWorkerInitRunsOnEachWorkerThread(t *testing.T) {
	base, stop := newRunning(t)
	defer stop()

	var mu = make(chan int, 4)
	var pool *LoopPool
	var loops []*EventLoop
	done := make(chan struct{})
	base.RunInLoop(func() {
		pool = NewLoopPool(base)
		pool.SetThreadNum(2)
		pool.SetWorkerInit(func(idx int, loop *EventLoop) {
			runtime.Gosched()
			mu <- idx
		})
		loops = pool.Start()
		close(done)
	})
	waitDone(t, done)
	defer func() {
		for _, l := range loops {
			l.Quit()
		}
	}()

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case idx := <-mu:
			seen[idx] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for worker init")
		}
	}
	if !seen[0] || !seen[1] {
		t.Fatalf("expected worker init for indices 0 and 1, got %v", seen)
	}
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RunInLoop functor")
	}
}
