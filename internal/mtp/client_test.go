package mtp

import (
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePacket struct {
	body []byte

	mu        sync.Mutex
	succeeded bool
	failed    bool
	retriable bool
}

func newFakePacket(fill byte) *fakePacket {
	return &fakePacket{body: makeBody(fill)}
}

func (p *fakePacket) Contents() []byte { return p.body }

func (p *fakePacket) Succeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = true
}

func (p *fakePacket) Failed(retriable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
	p.retriable = retriable
}

func (p *fakePacket) outcome() (succeeded, failed, retriable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.succeeded, p.failed, p.retriable
}

// newTestClientConn builds a ClientConn directly over an already-connected
// fd, bypassing DialClient's socket()/connect() so the test can drive the
// state machine over a socketpair instead of a real TCP dial.
func newTestClientConn(fd int, keyID Fingerprint, clientConf *tls.Config, optimizeThroughput bool) *ClientConn {
	return &ClientConn{
		fd:           fd,
		addr:         Address{Family: 1, IP: "127.0.0.1", Port: 0, KeyID: keyID},
		serverName:   "test-server",
		certCache:    NewPeerCertificateCache(),
		optimizeTP:   optimizeThroughput,
		clientConf:   clientConf,
		state:        ClientConnecting,
		lastActivity: time.Now(),
	}
}

func TestClientConnDeliversPacket(t *testing.T) {
	serverCert, parsedCert := generateTestCert(t)
	clientFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	fp := FingerprintOf(parsedCert)
	cc := newTestClientConn(clientFD, fp, &tls.Config{}, false)

	pkt := newFakePacket(0x7a)
	cc.AddPacket(pkt)

	peerDone := make(chan error, 1)
	go func() {
		peerTLS := tls.Server(peerConn, &tls.Config{Certificates: []tls.Certificate{serverCert}})
		if err := peerTLS.Handshake(); err != nil {
			peerDone <- err
			return
		}

		greetingBuf := make([]byte, 64)
		n, err := peerTLS.Read(greetingBuf)
		if err != nil {
			peerDone <- err
			return
		}
		versions, err := ParseGreeting(string(greetingBuf[:n]))
		if err != nil {
			peerDone <- err
			return
		}
		version, err := NegotiateVersion(versions)
		if err != nil {
			peerDone <- err
			return
		}
		if _, err := peerTLS.Write([]byte(EncodeGreeting(version))); err != nil {
			peerDone <- err
			return
		}

		frame := make([]byte, MessageLen)
		if _, err := readFull(peerTLS, frame); err != nil {
			peerDone <- err
			return
		}
		decoded, err := DecodeDataFrame(frame)
		if err != nil {
			peerDone <- err
			return
		}
		ack := EncodeAck(decoded.Body, decoded.Junk, true)
		if _, err := peerTLS.Write(ack); err != nil {
			peerDone <- err
			return
		}
		peerDone <- nil
	}()

	stop := make(chan struct{})
	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			st, _ := cc.Process(true, true, false, -1)
			if !st.Open {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case err := <-peerDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("peer never completed exchange")
	}

	require.Eventually(t, func() bool {
		succeeded, _, _ := pkt.outcome()
		return succeeded
	}, 2*time.Second, time.Millisecond)

	close(stop)
	<-driveDone
}

func TestClientConnFingerprintMismatchFailsHandshake(t *testing.T) {
	serverCert, _ := generateTestCert(t)
	clientFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	var wrongFP Fingerprint
	wrongFP[0] = 0xff
	cc := newTestClientConn(clientFD, wrongFP, &tls.Config{}, false)

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		peerTLS := tls.Server(peerConn, &tls.Config{Certificates: []tls.Certificate{serverCert}})
		_ = peerTLS.Handshake()
		buf := make([]byte, 16)
		_, _ = peerTLS.Read(buf)
	}()

	cutoff := time.Now().Add(2 * time.Second)
	for time.Now().Before(cutoff) {
		st, _ := cc.Process(true, true, false, -1)
		if !st.Open {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.False(t, cc.GetStatus().Open)
	require.Error(t, cc.connErr)
	<-peerDone
}

func TestClientConnTryTimeoutFailsQueuedPackets(t *testing.T) {
	clientFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	cc := newTestClientConn(clientFD, Fingerprint{}, &tls.Config{}, false)
	pkt := newFakePacket(0x01)
	cc.AddPacket(pkt)

	cc.lastActivity = time.Now().Add(-time.Hour)
	cc.TryTimeout(time.Now())

	require.False(t, cc.IsActive())
	_, failed, retriable := pkt.outcome()
	require.True(t, failed)
	require.True(t, retriable)
}

// Both tests below exercise fillOutbufFromQueue directly across two calls,
// simulating a flush (clearing outbuf without an ack) in between: that is
// the only point at which the optimizeTP flag changes behavior, since
// within a single call the loop stops as soon as outbuf holds one frame.
func TestClientConnStrictModeBlocksPipelining(t *testing.T) {
	clientFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	cc := newTestClientConn(clientFD, Fingerprint{}, &tls.Config{}, false)
	cc.state = ClientActive
	first := newFakePacket(0x10)
	second := newFakePacket(0x20)
	cc.AddPacket(first)
	cc.AddPacket(second)

	cc.fillOutbufFromQueue()
	require.Len(t, cc.inFlight, 1)

	cc.outbuf = nil // simulate the first frame having been flushed to the wire
	cc.fillOutbufFromQueue()

	require.Len(t, cc.inFlight, 1, "strict mode must not send a second packet before the first is acked")
	require.Len(t, cc.queue, 1)
}

func TestClientConnOptimizeThroughputPipelines(t *testing.T) {
	clientFD, peerConn := socketpairConn(t)
	defer peerConn.Close()

	cc := newTestClientConn(clientFD, Fingerprint{}, &tls.Config{}, true)
	cc.state = ClientActive
	first := newFakePacket(0x10)
	second := newFakePacket(0x20)
	cc.AddPacket(first)
	cc.AddPacket(second)

	cc.fillOutbufFromQueue()
	require.Len(t, cc.inFlight, 1)

	cc.outbuf = nil // simulate the first frame having been flushed, ack still pending
	cc.fillOutbufFromQueue()

	require.Len(t, cc.inFlight, 2, "optimizeThroughput must allow a second send before the first is acked")
	require.Empty(t, cc.queue)
}
