// Package reactor implements the event-driven, single-threaded I/O core of
// relaynode: a readiness-based multiplexer loop, a token-bucket bandwidth
// limiter shared fairly across ready connections, and idle-connection
// eviction. A single reactor goroutine owns every registered Connection;
// connections report their own readiness rather than having the loop
// poll each one individually.
package reactor

import "time"

// Status reports what a Connection currently wants from the reactor: which
// readiness events to wait for, and whether the connection is still open.
type Status struct {
	WantRead  bool
	WantWrite bool
	Open      bool
}

// Connection is the abstract superclass every reactor-registered channel
// implements: listeners, MTP server connections, and MTP client
// connections. A single goroutine drives Process for every registered
// Connection once per readiness event, so implementations never need
// their own locking for fields only that goroutine touches.
type Connection interface {
	// FileNo returns the OS file descriptor the reactor should poll.
	FileNo() int

	// Process is invoked when the multiplexer reports the connection as
	// readable, writable, or exceptional, and/or the bandwidth bucket has
	// granted it a byte quota. It returns the connection's updated Status
	// and the number of quota bytes actually consumed (never more than
	// quota, and never negative).
	Process(readable, writable, exceptional bool, quota int64) (Status, int64)

	// GetStatus reports what this connection currently wants, without
	// performing any I/O. Used to seed the multiplexer's interest set
	// immediately after Register.
	GetStatus() Status

	// TryTimeout shuts the connection down if it has seen no activity
	// since cutoff and is subject to aging (listeners are not).
	TryTimeout(cutoff time.Time)
}

// TickInterval is how often the reactor refills its bandwidth bucket and
// re-evaluates idle timeouts. config.normalizeConfig derives
// MaxBandwidthSpike from its own copy of this value (tickIntervalSeconds),
// so the two must stay in sync.
const TickInterval = 1 * time.Second
