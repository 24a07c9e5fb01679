package mtp

import "github.com/mtprelay/relaynode/internal/pool"

// readBufSize is the capacity of every buffer readBufPool hands out;
// both ServerConn and ClientConn read in chunks no larger than this.
const readBufSize = 4096

// readBufPool recycles the scratch buffers ServerConn/ClientConn use for
// each non-blocking Read, avoiding one allocation per Process() call on
// the hot path.
var readBufPool = pool.New(func() []byte { return make([]byte, readBufSize) })

// getReadBuf returns a buffer of exactly n bytes, backed by a pooled
// readBufSize-capacity slice when n fits.
func getReadBuf(n int) []byte {
	if n <= readBufSize {
		return readBufPool.Get()[:n]
	}
	return make([]byte, n)
}

// putReadBuf returns buf to the pool if it came from it.
func putReadBuf(buf []byte) {
	if cap(buf) == readBufSize {
		readBufPool.Put(buf[:readBufSize])
	}
}
