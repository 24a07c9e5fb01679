package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeConn is a minimal Connection used to drive reactor plumbing tests
// without a real socket.
type fakeConn struct {
	fd        int
	processed int
	lastQuota int64
	open      bool
	wantRead  bool
}

func (f *fakeConn) FileNo() int { return f.fd }
func (f *fakeConn) GetStatus() Status {
	return Status{WantRead: f.wantRead, Open: f.open}
}
func (f *fakeConn) Process(readable, writable, exceptional bool, quota int64) (Status, int64) {
	f.processed++
	f.lastQuota = quota
	return f.GetStatus(), 0
}
func (f *fakeConn) TryTimeout(cutoff time.Time) {}

func TestReactorRegisterProcessRemove(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	r, err := New(nil, 0, 0)
	require.NoError(t, err)
	defer r.Close()

	c := &fakeConn{fd: fds[0], open: true, wantRead: true}
	require.NoError(t, r.Register(c))
	require.Equal(t, 1, r.Len())

	_, werr := unix.Write(fds[1], []byte("x"))
	require.NoError(t, werr)

	require.NoError(t, r.Process(time.Second))
	require.Equal(t, 1, c.processed)

	c.open = false
	require.NoError(t, r.Process(0))

	unix.Close(fds[0])
}

func TestReactorTickRefillsBucket(t *testing.T) {
	r, err := New(nil, 100, 100)
	require.NoError(t, err)
	defer r.Close()

	r.mu.Lock()
	r.bucket.level = 0
	r.mu.Unlock()

	r.Tick()

	r.mu.Lock()
	level := r.bucket.level
	r.mu.Unlock()
	require.EqualValues(t, 100, level)
}

func TestReactorSetBandwidth(t *testing.T) {
	r, err := New(nil, 0, 0)
	require.NoError(t, err)
	defer r.Close()

	r.SetBandwidth(50, 50)
	r.mu.Lock()
	unlimited := r.bucket.Unlimited()
	r.mu.Unlock()
	require.False(t, unlimited)
}

func TestReactorTryTimeoutCallsEachConnection(t *testing.T) {
	r, err := New(nil, 0, 0)
	require.NoError(t, err)
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c := &fakeConn{fd: fds[0], open: true}
	require.NoError(t, r.Register(c))
	r.TryTimeout(time.Now())
}
