package mtp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mtprelay/relaynode/internal/reactor"
)

// ClientState enumerates the MTP client-side connection lifecycle: the
// non-blocking-connect, greeting, and packet-sending phases, collapsed
// into an explicit state machine.
type ClientState int

const (
	ClientConnecting ClientState = iota
	ClientSendGreeting
	ClientAwaitGreeting
	ClientActive
	ClientClosed
)

// Address identifies an outbound MTP destination: family, IP, port, and
// the pinned key fingerprint, used as the map key for deduplicating
// concurrently open outbound connections to the same peer.
type Address struct {
	Family int
	IP     string
	Port   int
	KeyID  Fingerprint
}

// inFlightPacket tracks a packet whose data frame has been written but
// whose ack has not yet arrived.
type inFlightPacket struct {
	packet DeliverablePacket
	junk   bool
}

// ClientConn implements reactor.Connection for one outbound MTP session:
// connect, TLS client handshake with fingerprint pinning, greeting
// negotiation, then a queue of packets sent and acknowledged.
//
// When optimizeThroughput is set, the connection pipelines sends: a new
// packet's data frame may go out before the previous packet's ack has
// arrived. Otherwise it waits for each ack before sending the next
// packet, trading throughput for strict request/response pacing.
type ClientConn struct {
	fd         int
	addr       Address
	serverName string
	logger     *slog.Logger
	certCache  *PeerCertificateCache
	optimizeTP bool
	clientConf *tls.Config
	onClosed   func(Address)

	raw     net.Conn
	tlsConn *tls.Conn

	state ClientState
	queue []DeliverablePacket

	inFlight []inFlightPacket

	outbuf       []byte
	inbuf        []byte
	lastActivity time.Time
	connErr      error
}

// DialClient begins a non-blocking TCP connection to addr and returns a
// ClientConn ready for reactor registration. The caller must Register it
// before the connect completes (readiness for writability signals
// connect-done, as with any non-blocking POSIX connect()).
func DialClient(addr Address, serverName string, clientConf *tls.Config, certCache *PeerCertificateCache, optimizeThroughput bool, onClosed func(Address), logger *slog.Logger) (*ClientConn, error) {
	fd, err := unix.Socket(addr.Family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("mtp: creating client socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	sa, err := sockaddrForClient(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mtp: connecting to %s: %w", serverName, err)
	}

	return &ClientConn{
		fd:           fd,
		addr:         addr,
		serverName:   serverName,
		logger:       logger,
		certCache:    certCache,
		optimizeTP:   optimizeThroughput,
		clientConf:   clientConf,
		onClosed:     onClosed,
		state:        ClientConnecting,
		lastActivity: time.Now(),
	}, nil
}

func sockaddrForClient(addr Address) (unix.Sockaddr, error) {
	ip := net.ParseIP(addr.IP)
	if ip == nil {
		return nil, fmt.Errorf("mtp: invalid address %q", addr.IP)
	}
	switch addr.Family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip.To4())
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip.To16())
		return sa, nil
	default:
		return nil, fmt.Errorf("mtp: unsupported address family %d", addr.Family)
	}
}

// GetAddr returns the destination Address, used as the key into the
// dispatcher's active-connection map.
func (c *ClientConn) GetAddr() Address { return c.addr }

// IsActive reports whether this connection can still accept more queued
// packets.
func (c *ClientConn) IsActive() bool {
	return c.state != ClientClosed
}

// AddPacket appends a packet to this connection's send queue.
func (c *ClientConn) AddPacket(p DeliverablePacket) {
	c.queue = append(c.queue, p)
}

// FileNo implements reactor.Connection.
func (c *ClientConn) FileNo() int { return c.fd }

// GetStatus implements reactor.Connection.
func (c *ClientConn) GetStatus() reactor.Status {
	switch c.state {
	case ClientClosed:
		return reactor.Status{Open: false}
	case ClientConnecting:
		return reactor.Status{WantWrite: true, Open: true}
	case ClientActive:
		canSend := len(c.queue) > 0 && (c.optimizeTP || len(c.inFlight) == 0)
		return reactor.Status{WantRead: true, WantWrite: len(c.outbuf) > 0 || canSend, Open: true}
	default:
		return reactor.Status{WantRead: true, WantWrite: true, Open: true}
	}
}

// TryTimeout implements reactor.Connection.
func (c *ClientConn) TryTimeout(cutoff time.Time) {
	if c.state == ClientClosed {
		return
	}
	if c.lastActivity.Before(cutoff) {
		c.shutdown()
	}
}

// Process implements reactor.Connection.
func (c *ClientConn) Process(readable, writable, exceptional bool, quota int64) (reactor.Status, int64) {
	if exceptional {
		c.shutdown()
		return c.GetStatus(), 0
	}
	if c.state == ClientClosed {
		return c.GetStatus(), 0
	}

	var used int64
	switch c.state {
	case ClientConnecting:
		used += c.processConnecting(writable)
	case ClientSendGreeting:
		used += c.processSendGreeting(writable)
	case ClientAwaitGreeting:
		used += c.processAwaitGreeting(readable)
	case ClientActive:
		used += c.processActive(readable, writable, quota)
	}

	if used > 0 {
		c.lastActivity = time.Now()
	}
	return c.GetStatus(), used
}

func (c *ClientConn) processConnecting(writable bool) int64 {
	if !writable {
		return 0
	}
	if errno, serr := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); serr == nil && errno != 0 {
		c.connErr = fmt.Errorf("mtp: connect to %s failed: %w", c.serverName, unix.Errno(errno))
		c.shutdown()
		return 0
	}
	if err := c.beginTLS(); err != nil {
		c.connErr = err
		c.shutdown()
		return 0
	}
	c.outbuf = append(c.outbuf, EncodeGreeting(SupportedVersions...)...)
	c.state = ClientSendGreeting
	return 0
}

func (c *ClientConn) processSendGreeting(writable bool) int64 {
	_ = c.tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	var used int64
	if writable && len(c.outbuf) > 0 {
		n, err := c.flushOutbuf()
		used += int64(n)
		if err != nil && !isTimeout(err) {
			c.shutdown()
			return used
		}
	}
	if len(c.outbuf) == 0 {
		c.state = ClientAwaitGreeting
	}
	return used
}

func (c *ClientConn) processAwaitGreeting(readable bool) int64 {
	_ = c.tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	var used int64
	if readable {
		n, err := c.readInto(4096)
		used += int64(n)
		if err != nil && !isTimeout(err) {
			c.shutdown()
			return used
		}
	}
	if line, ok := c.takeLine(); ok {
		if _, err := ParseGreeting(line); err != nil {
			c.shutdown()
			return used
		}
		c.state = ClientActive
	}
	return used
}

func (c *ClientConn) processActive(readable, writable bool, quota int64) int64 {
	_ = c.tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	var used int64

	c.fillOutbufFromQueue()

	if writable && len(c.outbuf) > 0 {
		n, err := c.flushOutbuf()
		used += int64(n)
		if err != nil && !isTimeout(err) {
			c.shutdown()
			return used
		}
	}

	if readable {
		toRead := 4096
		if quota >= 0 && quota < int64(toRead) {
			toRead = int(quota)
		}
		if toRead > 0 {
			n, err := c.readInto(toRead)
			used += int64(n)
			if err != nil && !isTimeout(err) {
				c.shutdown()
				return used
			}
		}
		c.consumeAcks()
	}

	return used
}

// fillOutbufFromQueue writes as many queued packets' data frames into
// outbuf as the pipelining policy allows: unlimited when optimizeTP is
// set, otherwise only when no ack is outstanding.
func (c *ClientConn) fillOutbufFromQueue() {
	for len(c.queue) > 0 && len(c.outbuf) == 0 && (c.optimizeTP || len(c.inFlight) == 0) {
		p := c.queue[0]
		c.queue = c.queue[1:]
		frame, err := EncodeDataFrame(p.Contents(), false)
		if err != nil {
			p.Failed(false)
			continue
		}
		c.outbuf = append(c.outbuf, frame...)
		c.inFlight = append(c.inFlight, inFlightPacket{packet: p, junk: false})
		if !c.optimizeTP {
			break
		}
	}
}

// consumeAcks decodes every complete ack frame currently buffered and
// resolves the oldest in-flight packet it corresponds to: acks arrive
// in strict FIFO order relative to the frames that were sent. A
// malformed control tag or a digest that doesn't match the expected ack
// suffix (RECEIVED / RECEIVED JUNK / REJECTED, chosen by the decoded tag
// and whether the pending packet was junk) closes the connection and
// fails every in-flight and queued packet as retriable, rather than
// trusting the rest of the stream.
func (c *ClientConn) consumeAcks() {
	for len(c.inbuf) >= AckLen && len(c.inFlight) > 0 {
		frame := c.inbuf[:AckLen]
		pending := c.inFlight[0]

		accepted, digest, err := DecodeAck(frame)
		var expected [DigestLen]byte
		if err == nil {
			suffix := suffixRejected
			if accepted {
				suffix = suffixReceived
				if pending.junk {
					suffix = suffixReceivedJunk
				}
			}
			expected = Digest(pending.packet.Contents(), suffix)
		}

		if err != nil || digest != expected {
			c.shutdown()
			return
		}

		c.inbuf = c.inbuf[AckLen:]
		c.inFlight = c.inFlight[1:]
		if accepted {
			pending.packet.Succeeded()
		} else {
			pending.packet.Failed(false)
		}
	}
}

func (c *ClientConn) beginTLS() error {
	file := os.NewFile(uintptr(c.fd), "mtp-client-conn")
	raw, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		return fmt.Errorf("mtp: wrapping client fd: %w", err)
	}
	c.raw = raw

	conf := c.clientConf.Clone()
	conf.InsecureSkipVerify = true // pin by fingerprint instead of CA chain
	conf.VerifyPeerCertificate = c.verifyPeer

	c.tlsConn = tls.Client(raw, conf)
	_ = c.tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	if err := c.tlsConn.Handshake(); err != nil && !isTimeout(err) {
		return fmt.Errorf("mtp: TLS handshake with %s failed: %w", c.serverName, err)
	}
	return nil
}

// verifyPeer pins the peer's leaf certificate to the expected KeyID
// fingerprint via the shared PeerCertificateCache.
func (c *ClientConn) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("mtp: peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("mtp: parsing peer certificate: %w", err)
	}
	fp := FingerprintOf(cert)
	matches := fp == c.addr.KeyID
	if !matches || !c.certCache.Check(fp, matches) {
		return fmt.Errorf("mtp: peer %s presented unexpected key fingerprint", c.serverName)
	}
	return nil
}

func (c *ClientConn) readInto(max int) (int, error) {
	buf := getReadBuf(max)
	defer putReadBuf(buf)
	n, err := c.tlsConn.Read(buf)
	if n > 0 {
		c.inbuf = append(c.inbuf, buf[:n]...)
	}
	return n, err
}

func (c *ClientConn) flushOutbuf() (int, error) {
	n, err := c.tlsConn.Write(c.outbuf)
	if n > 0 {
		c.outbuf = c.outbuf[n:]
	}
	return n, err
}

func (c *ClientConn) takeLine() (string, bool) {
	for i, b := range c.inbuf {
		if b == '\n' {
			line := string(c.inbuf[:i+1])
			c.inbuf = c.inbuf[i+1:]
			return line, true
		}
	}
	return "", false
}

// shutdown fails any packets still queued or in flight and marks the
// connection closed, invoking onClosed so the dispatcher can drop it
// from the active-connection map — mirroring the original
// implementation's __clientFinished.
func (c *ClientConn) shutdown() {
	if c.state == ClientClosed {
		return
	}
	c.state = ClientClosed
	for _, p := range c.inFlight {
		p.packet.Failed(true)
	}
	c.inFlight = nil
	for _, p := range c.queue {
		p.Failed(true)
	}
	c.queue = nil

	switch {
	case c.tlsConn != nil:
		_ = c.tlsConn.Close()
	case c.raw != nil:
		_ = c.raw.Close()
	default:
		_ = unix.Close(c.fd)
	}
	if c.onClosed != nil {
		c.onClosed(c.addr)
	}
}
