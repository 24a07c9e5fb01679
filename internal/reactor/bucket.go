package reactor

import "sync"

// Bucket implements token-bucket bandwidth limiting for the reactor,
// adapted from a query-rate token-bucket limiter: instead of one token
// per request, each tick refills a byte allowance up to a spike
// capacity, and Divide hands out that allowance fairly across whichever connections are ready to
// read or write this tick — the byte-oriented analogue of the original
// relay's floorDiv(bucket, nConnections) quota split.
//
// A Bucket with rate <= 0 is unlimited: Divide always returns a quota of
// -1, which callers treat as "no cap".
type Bucket struct {
	mu sync.Mutex

	rate  int64 // bytes refilled per tick; <= 0 means unlimited
	spike int64 // maximum bucket size
	level int64 // bytes currently available
}

// NewBucket creates a Bucket refilling `rate` bytes per TickInterval, able
// to accumulate bursts up to `spike` bytes. A non-positive rate disables
// limiting entirely.
func NewBucket(rate, spike int64) *Bucket {
	if rate > 0 && spike < rate {
		spike = rate
	}
	return &Bucket{rate: rate, spike: spike, level: spike}
}

// Unlimited reports whether this bucket imposes no bandwidth cap.
func (b *Bucket) Unlimited() bool {
	return b.rate <= 0
}

// Exhausted reports whether a rate-limited bucket has no bytes left to
// hand out this tick. Always false for an unlimited bucket.
func (b *Bucket) Exhausted() bool {
	if b.Unlimited() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level <= 0
}

// Refill adds one tick's worth of bytes to the bucket, capped at the
// spike size. Called once per reactor tick, before Divide.
func (b *Bucket) Refill() {
	if b.Unlimited() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level += b.rate
	if b.level > b.spike {
		b.level = b.spike
	}
}

// Divide splits the current bucket level evenly across nReady ready
// connections and returns each connection's quota, removing the whole
// divided amount from the bucket up front (unused quota is returned via
// Refund). Returns -1 when the bucket is unlimited or nReady is zero.
func (b *Bucket) Divide(nReady int) int64 {
	if b.Unlimited() || nReady <= 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	share := floorDiv(b.level, int64(nReady))
	if share < 0 {
		share = 0
	}
	b.level -= share * int64(nReady)
	return share
}

// Refund returns unused quota bytes to the bucket, e.g. when a connection
// consumed less than it was granted this tick.
func (b *Bucket) Refund(n int64) {
	if b.Unlimited() || n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level += n
	if b.level > b.spike {
		b.level = b.spike
	}
}

// floorDiv divides a by b, rounding toward negative infinity, used to
// split bandwidth quota evenly across ready connections.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
