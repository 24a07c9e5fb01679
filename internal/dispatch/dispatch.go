// Package dispatch implements the outbound side of the relay: given a
// destination Address and a packet to deliver, it either hands the
// packet to an already-open ClientConn or opens a new one, subject to
// an admission-control cap on concurrently open outbound connections.
// Packets arrive on an MPSC queue (Send, safe to call from any
// goroutine) and are drained once per reactor tick (Drain, called from
// the owning goroutine only) before the reactor polls for readiness.
package dispatch

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mtprelay/relaynode/internal/dnscache"
	"github.com/mtprelay/relaynode/internal/helpers"
	"github.com/mtprelay/relaynode/internal/mtp"
	"github.com/mtprelay/relaynode/internal/reactor"
)

// DefaultMaxActive is the default cap on concurrently open outbound
// connections.
const DefaultMaxActive = 16

// maxActiveCeiling and queueDepthCeiling bound operator-supplied config
// values so a typo (e.g. max_connections: 100000000) can't exhaust file
// descriptors or memory; values outside the range are clamped rather
// than rejected.
const (
	maxActiveCeiling  = 65536
	minQueueDepth     = 64
	queueDepthCeiling = 1 << 20
)

// request is one queued send, posted to the dispatcher's MPSC channel by
// Send and consumed by Drain on the reactor's goroutine.
type request struct {
	addr       mtp.Address
	serverName string
	packet     mtp.DeliverablePacket
}

// waiting holds packets destined for an address that has no open
// connection yet, either because one hasn't been dialed or because
// admission control is at capacity.
type waiting struct {
	serverName string
	packets    []mtp.DeliverablePacket
}

// Dispatcher owns the active-connection map and pending queue that
// together implement outbound admission control.
type Dispatcher struct {
	logger             *slog.Logger
	react              *reactor.Reactor
	resolver           *dnscache.Resolver
	clientConf         *tls.Config
	certCache          *mtp.PeerCertificateCache
	optimizeThroughput bool
	maxActive          int

	incoming chan request

	mu      sync.Mutex
	active  map[mtp.Address]*mtp.ClientConn
	pending map[mtp.Address]*waiting
}

// Config collects the fixed parameters a Dispatcher needs to dial
// outbound connections.
type Config struct {
	Reactor            *reactor.Reactor
	Resolver           *dnscache.Resolver
	ClientTLSConfig    *tls.Config
	CertCache          *mtp.PeerCertificateCache
	OptimizeThroughput bool
	MaxActive          int
	QueueDepth         int
	Logger             *slog.Logger
}

// New creates a Dispatcher. QueueDepth bounds the MPSC channel capacity;
// Send returns an error rather than blocking once it fills.
func New(cfg Config) *Dispatcher {
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	maxActive = helpers.ClampInt(maxActive, 1, maxActiveCeiling)

	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	queueDepth = helpers.ClampInt(queueDepth, minQueueDepth, queueDepthCeiling)
	return &Dispatcher{
		logger:             cfg.Logger,
		react:              cfg.Reactor,
		resolver:           cfg.Resolver,
		clientConf:         cfg.ClientTLSConfig,
		certCache:          cfg.CertCache,
		optimizeThroughput: cfg.OptimizeThroughput,
		maxActive:          maxActive,
		incoming:           make(chan request, queueDepth),
		active:             make(map[mtp.Address]*mtp.ClientConn),
		pending:            make(map[mtp.Address]*waiting),
	}
}

// ErrQueueFull is returned by Send when the MPSC channel is saturated —
// the caller should apply its own backpressure (e.g. requeue for a later
// tick) rather than block the sending goroutine.
type queueFullError struct{}

func (queueFullError) Error() string { return "dispatch: send queue full" }

// ErrQueueFull is the sentinel returned by Send on backpressure.
var ErrQueueFull error = queueFullError{}

// Send queues a packet for delivery to addr, safe to call from any
// goroutine. The packet's Succeeded/Failed callbacks fire once delivery
// resolves, potentially long after Send returns.
func (d *Dispatcher) Send(addr mtp.Address, serverName string, packet mtp.DeliverablePacket) error {
	select {
	case d.incoming <- request{addr: addr, serverName: serverName, packet: packet}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Routing names an outbound destination by hostname or literal IP,
// deferring the family/ip/port/keyid tuple that actually keys the
// active-connection map until the hostname (if any) has been resolved.
type Routing struct {
	Family     int
	Host       string // hostname, or a literal IP
	Port       int
	KeyID      mtp.Fingerprint
	ServerName string
}

// SendPacketsByRouting is the hostname-aware entry point: if Host is a
// literal IP it resolves to an Address immediately and behaves like
// Send; otherwise it hands the name to the resolver with a completion
// callback that enqueues the resolved Address once DNS answers. Two
// back-to-back calls for the same hostname share the resolver's
// in-flight dedup, so only one lookup is issued and both calls end up
// coalesced onto the same outbound connection once it resolves.
func (d *Dispatcher) SendPacketsByRouting(routing Routing, packets []mtp.DeliverablePacket) error {
	if ip := net.ParseIP(routing.Host); ip != nil {
		addr := mtp.Address{Family: routing.Family, IP: ip.String(), Port: routing.Port, KeyID: routing.KeyID}
		return d.sendAll(addr, routing.ServerName, packets)
	}

	if d.resolver == nil {
		return fmt.Errorf("dispatch: routing %q requires a hostname resolver but none is configured", routing.Host)
	}

	d.resolver.LookupHost(routing.Host, func(ips []net.IP, err error) {
		if err != nil || len(ips) == 0 {
			if d.logger != nil {
				d.logger.Warn("dns resolution failed", "host", routing.Host, "error", err)
			}
			for _, p := range packets {
				p.Failed(true)
			}
			return
		}
		addr := mtp.Address{Family: routing.Family, IP: ips[0].String(), Port: routing.Port, KeyID: routing.KeyID}
		if sendErr := d.sendAll(addr, routing.ServerName, packets); sendErr != nil {
			if d.logger != nil {
				d.logger.Warn("enqueue after dns resolution failed", "host", routing.Host, "error", sendErr)
			}
			for _, p := range packets {
				p.Failed(true)
			}
		}
	})
	return nil
}

// sendAll enqueues every packet for addr, returning the first error
// encountered (if any); packets already enqueued before the error stay
// queued rather than being rolled back.
func (d *Dispatcher) sendAll(addr mtp.Address, serverName string, packets []mtp.DeliverablePacket) error {
	for _, p := range packets {
		if err := d.Send(addr, serverName, p); err != nil {
			return err
		}
	}
	return nil
}

// Drain empties the MPSC queue and admits or queues each request. It
// must be called once per reactor tick, before reactor.Process, from the
// same goroutine that owns the reactor — flush queued sends first, then
// let the reactor poll for readiness.
func (d *Dispatcher) Drain() {
	for {
		select {
		case req := <-d.incoming:
			d.admit(req)
		default:
			return
		}
	}
}

func (d *Dispatcher) admit(req request) {
	d.mu.Lock()
	if conn, ok := d.active[req.addr]; ok && conn.IsActive() {
		conn.AddPacket(req.packet)
		d.mu.Unlock()
		return
	}
	delete(d.active, req.addr) // stale entry for a now-closed connection

	if len(d.active) >= d.maxActive {
		w := d.pending[req.addr]
		if w == nil {
			w = &waiting{serverName: req.serverName}
			d.pending[req.addr] = w
		}
		w.packets = append(w.packets, req.packet)
		d.mu.Unlock()
		return
	}

	conn, err := mtp.DialClient(req.addr, req.serverName, d.clientConf, d.certCache, d.optimizeThroughput, d.onClosed, d.logger)
	if err != nil {
		d.mu.Unlock()
		if d.logger != nil {
			d.logger.Warn("dial failed", "peer", req.serverName, "error", err)
		}
		req.packet.Failed(true)
		return
	}
	conn.AddPacket(req.packet)
	d.active[req.addr] = conn
	d.mu.Unlock()

	if err := d.react.Register(conn); err != nil {
		if d.logger != nil {
			d.logger.Warn("registering outbound connection failed", "peer", req.serverName, "error", err)
		}
	}
}

// onClosed is passed to DialClient as the connection's close callback: it
// drops the address from active and, if capacity allows, promotes one
// waiting destination into a freshly dialed connection.
func (d *Dispatcher) onClosed(addr mtp.Address) {
	d.mu.Lock()
	delete(d.active, addr)
	promoted := d.popOnePending()
	d.mu.Unlock()

	if promoted != nil {
		d.dialPromoted(promoted)
	}
}

type promotedEntry struct {
	addr mtp.Address
	w    *waiting
}

// popOnePending removes and returns one pending destination if the
// active set has room, to be dialed outside the lock.
func (d *Dispatcher) popOnePending() *promotedEntry {
	if len(d.active) >= d.maxActive {
		return nil
	}
	for addr, w := range d.pending {
		delete(d.pending, addr)
		return &promotedEntry{addr: addr, w: w}
	}
	return nil
}

func (d *Dispatcher) dialPromoted(p *promotedEntry) {
	conn, err := mtp.DialClient(p.addr, p.w.serverName, d.clientConf, d.certCache, d.optimizeThroughput, d.onClosed, d.logger)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("promoting pending destination failed", "peer", p.w.serverName, "error", err)
		}
		for _, pkt := range p.w.packets {
			pkt.Failed(true)
		}
		return
	}
	for _, pkt := range p.w.packets {
		conn.AddPacket(pkt)
	}

	d.mu.Lock()
	d.active[p.addr] = conn
	d.mu.Unlock()

	if err := d.react.Register(conn); err != nil && d.logger != nil {
		d.logger.Warn("registering promoted connection failed", "peer", p.w.serverName, "error", err)
	}
}

// ActiveCount reports the number of currently open outbound connections.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// PendingCount reports the number of destinations waiting for a free
// admission-control slot.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
