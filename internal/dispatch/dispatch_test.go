package dispatch

import (
	"crypto/tls"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mtprelay/relaynode/internal/mtp"
	"github.com/mtprelay/relaynode/internal/reactor"
)

type testPacket struct {
	mu     sync.Mutex
	failed bool
}

func (p *testPacket) Contents() []byte { return make([]byte, mtp.PacketLen) }
func (p *testPacket) Succeeded()       {}
func (p *testPacket) Failed(bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
}

func (p *testPacket) didFail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func testAddr(port int) mtp.Address {
	return mtp.Address{Family: unix.AF_INET, IP: "127.0.0.1", Port: port}
}

func newTestDispatcher(t *testing.T, maxActive int) *Dispatcher {
	t.Helper()
	r, err := reactor.New(nil, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return New(Config{
		Reactor:         r,
		ClientTLSConfig: &tls.Config{},
		CertCache:       mtp.NewPeerCertificateCache(),
		MaxActive:       maxActive,
		QueueDepth:      8,
	})
}

func TestDispatcherAdmitsUpToMaxActive(t *testing.T) {
	d := newTestDispatcher(t, 1)

	require.NoError(t, d.Send(testAddr(18001), "peer-a", &testPacket{}))
	require.NoError(t, d.Send(testAddr(18002), "peer-b", &testPacket{}))
	d.Drain()

	require.Equal(t, 1, d.ActiveCount())
	require.Equal(t, 1, d.PendingCount())
}

func TestDispatcherReusesExistingConnection(t *testing.T) {
	d := newTestDispatcher(t, 4)
	addr := testAddr(18003)

	require.NoError(t, d.Send(addr, "peer-a", &testPacket{}))
	d.Drain()
	require.Equal(t, 1, d.ActiveCount())

	require.NoError(t, d.Send(addr, "peer-a", &testPacket{}))
	d.Drain()

	require.Equal(t, 1, d.ActiveCount(), "a second send to the same address must not open a second connection")
}

func TestDispatcherPromotesPendingOnClose(t *testing.T) {
	d := newTestDispatcher(t, 1)
	first := testAddr(18004)
	second := testAddr(18005)

	require.NoError(t, d.Send(first, "peer-a", &testPacket{}))
	require.NoError(t, d.Send(second, "peer-b", &testPacket{}))
	d.Drain()
	require.Equal(t, 1, d.ActiveCount())
	require.Equal(t, 1, d.PendingCount())

	d.onClosed(first)

	require.Equal(t, 1, d.ActiveCount())
	require.Equal(t, 0, d.PendingCount())
	require.Contains(t, d.active, second)
}

func TestDispatcherSendReturnsErrQueueFullAtCapacity(t *testing.T) {
	d := newTestDispatcher(t, 4)
	d.incoming = make(chan request, 1)

	require.NoError(t, d.Send(testAddr(18006), "peer-a", &testPacket{}))
	err := d.Send(testAddr(18007), "peer-b", &testPacket{})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcherFailsPacketWhenDialFails(t *testing.T) {
	d := newTestDispatcher(t, 4)
	badAddr := mtp.Address{Family: 9999, IP: "127.0.0.1", Port: 1}
	pkt := &testPacket{}

	require.NoError(t, d.Send(badAddr, "peer-bad", pkt))
	d.Drain()

	require.True(t, pkt.didFail())
	require.Equal(t, 0, d.ActiveCount())
}
