package dnscache

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// *net.Resolver's LookupIP/LookupAddr can't be swapped out for a stub, so
// these tests exercise the cache and dedup logic by priming the cache
// directly, and drive actual loopback lookups where a real resolve is
// needed.

func TestTTLCacheGetSetExpiry(t *testing.T) {
	c := newTTLCache[string, int](20*time.Millisecond, 10)
	c.Set("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestTTLCacheEvictsOldestOverCapacity(t *testing.T) {
	c := newTTLCache[string, int](time.Hour, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestResolverLookupHostCacheHit(t *testing.T) {
	r := New(nil, 1, net.DefaultResolver)
	r.forward.Set("cached.example", []net.IP{net.ParseIP("10.0.0.1")})

	var got []net.IP
	var gotErr error
	r.LookupHost("cached.example", func(ips []net.IP, err error) {
		got = ips
		gotErr = err
	})

	require.NoError(t, gotErr)
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.1")}, got)
}

func TestResolverLookupHostDedupesConcurrentCallers(t *testing.T) {
	r := New(nil, 1, net.DefaultResolver)

	var mu sync.Mutex
	calls := 0
	for i := 0; i < 5; i++ {
		r.LookupHost("localhost", func(ips []net.IP, err error) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}

	r.mu.Lock()
	require.Len(t, r.pendingForward["localhost"], 5, "all five callers must share one in-flight lookup")
	r.mu.Unlock()

	cutoff := time.Now().Add(3 * time.Second)
	for time.Now().Before(cutoff) {
		r.Drain()
		mu.Lock()
		done := calls == 5
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, calls, "all five callers must be notified even though only one lookup ran")
}

func TestResolverLookupAddrCachesResult(t *testing.T) {
	r := New(nil, 1, net.DefaultResolver)
	r.reverse.Set("127.0.0.1", "localhost")

	var got string
	r.LookupAddr("127.0.0.1", func(name string, err error) {
		require.NoError(t, err)
		got = name
	})
	require.Equal(t, "localhost", got)
}

func TestAutoWorkerCountPositive(t *testing.T) {
	require.Greater(t, autoWorkerCount(), 0)
}

func TestResolverContextTimeoutConstant(t *testing.T) {
	// checks only that a context with a deadline, as resolveForward builds
	// for each lookup, expires; resolveForward itself is not called here.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	require.Error(t, ctx.Err())
}
