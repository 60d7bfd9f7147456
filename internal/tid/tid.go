// File: internal/tid/tid.go
// Author: momentics <momentics@gmail.com>
//
// Per-goroutine OS thread-id lookup, grounded on original_source/CurrentThread.h's
// thread-local t_cachedTid. Go has no thread-local storage, so there is
// nothing to memoize here; every EventLoop goroutine calls
// runtime.LockOSThread first, which is what makes unix.Gettid() stable
// for the lifetime of that loop, not any caching on this side.

package tid

import "golang.org/x/sys/unix"

// Current returns the calling OS thread's id. Callers that need a stable
// identity for the lifetime of a locked goroutine (EventLoop.New) should
// call this once, right after LockOSThread, and keep the result.
func Current() int {
	return unix.Gettid()
}
