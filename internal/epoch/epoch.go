// Package epoch holds the process-wide cancellation epoch.
//
// The epoch only moves forward. Whoever owns the *Counter decides when it
// advances; everyone else holds a Reader and compares it against the epoch
// stamped on the artifact in hand.
package epoch

import "sync/atomic"

// Reader is the read-only view handed to pipeline stages.
type Reader interface {
	Current() uint64
}

// Counter is an atomically updated epoch.
type Counter struct {
	v atomic.Uint64
}

// Current returns the latest epoch.
func (c *Counter) Current() uint64 {
	return c.v.Load()
}

// Advance bumps the epoch by one and returns the new value. The store is
// visible to every Reader before Advance returns.
func (c *Counter) Advance() uint64 {
	return c.v.Add(1)
}

// Stale reports whether an artifact stamped with e is behind r.
func Stale(r Reader, e uint64) bool {
	return e < r.Current()
}
