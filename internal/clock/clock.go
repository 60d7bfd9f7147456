// File: internal/clock/clock.go
// Author: momentics <momentics@gmail.com>
//
// Timestamp source for the event loop. Indirected through a package-level
// func var, rather than calling time.Now() directly, so tests can pin the
// poll-return timestamp deterministically without touching the loop or
// poller internals.

package clock

import "time"

// Now returns the current wall-clock time. Overridable in tests.
var Now = time.Now
