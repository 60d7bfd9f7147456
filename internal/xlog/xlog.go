// File: internal/xlog/xlog.go
// Author: momentics <momentics@gmail.com>
//
// Minimal leveled logging shim over the standard library "log" package,
// matching the direct log.Printf/log.Fatalf call sites this codebase
// uses elsewhere rather than pulling in a structured logging dependency.

package xlog

import "log"

// Verbose gates Debugf output. Off by default; tests and callers that
// want poll-loop chatter can flip it on.
var Verbose = false

// Info logs an informational, non-fatal event.
func Info(format string, args ...any) {
	log.Printf("[info] "+format, args...)
}

// Errorf logs a recoverable error. The caller remains responsible for
// the associated state transition (e.g. moving a Connection to close).
func Errorf(format string, args ...any) {
	log.Printf("[error] "+format, args...)
}

// Fatalf logs an unrecoverable invariant violation and terminates the
// process.
func Fatalf(format string, args ...any) {
	log.Fatalf("[fatal] "+format, args...)
}

// Debugf logs fine-grained tracing, suppressed unless Verbose is set.
func Debugf(format string, args ...any) {
	if Verbose {
		log.Printf("[debug] "+format, args...)
	}
}
