// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for a running Server: live
// connection counts, per-loop poll-cycle iteration numbers, and
// last-poll timestamps, exported through named probes and a metrics
// registry rather than hard-wired into Server itself.
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
