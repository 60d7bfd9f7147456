package eventloop

import (
	"testing"
	"time"
)

func TestLoopThreadStartLoopReturnsRunnableLoop(t *testing.T) {
	var initCalled bool
	lt := NewLoopThread(func(l *EventLoop) { initCalled = true })
	loop := lt.StartLoop()
	if loop == nil {
		t.Fatal("StartLoop returned nil")
	}
	if !initCalled {
		t.Fatal("expected init callback to run before loop starts polling")
	}

	done := make(chan struct{})
	go func() {
		loop.Quit()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Quit did not return")
	}
}
