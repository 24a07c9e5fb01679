// Package relay wires the reactor, MTP server/client engines, outbound
// dispatcher, and DNS cache into one running process, with process
// orchestration (Runner) kept separate from the cmd/relaynode
// entrypoint that parses flags and loads configuration.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mtprelay/relaynode/internal/config"
	"github.com/mtprelay/relaynode/internal/dispatch"
	"github.com/mtprelay/relaynode/internal/dnscache"
	"github.com/mtprelay/relaynode/internal/mtp"
	"github.com/mtprelay/relaynode/internal/reactor"
)

// pollTimeout bounds how long one reactor.Process call waits for
// readiness before the run loop re-checks the tick/timeout schedule.
const pollTimeout = 250 * time.Millisecond

// Runner owns the reactor, listener, dispatcher, and DNS cache for the
// lifetime of the process.
type Runner struct {
	logger *slog.Logger

	react      *reactor.Reactor
	listener   *reactor.Listener
	dispatcher *dispatch.Dispatcher
	resolver   *dnscache.Resolver

	serverTLSMu sync.RWMutex
	serverTLS   *tls.Config

	rejectPackets      bool
	optimizeThroughput bool
}

// NewRunner creates a Runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run builds every component from cfg and drives the reactor loop until
// ctx is cancelled (signal.NotifyContext upstream in cmd/relaynode). On
// exit it closes the listener and the reactor's multiplexer; connections
// still open are not drained or shut down.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) error {
	serverTLS, clientTLS, err := buildTLSConfigs(cfg.TLS)
	if err != nil {
		return fmt.Errorf("relay: building TLS configuration: %w", err)
	}

	r.SetServerTLSConfig(serverTLS)

	react, err := reactor.New(r.logger, cfg.Server.MaxBandwidth, cfg.Server.MaxBandwidthSpike)
	if err != nil {
		return fmt.Errorf("relay: creating reactor: %w", err)
	}
	r.react = react
	defer react.Close()

	certCache := mtp.NewPeerCertificateCache()
	workers := resolverWorkerCount(cfg.Server.ResolverWorkers)
	r.resolver = dnscache.New(r.logger, workers, nil)

	r.dispatcher = dispatch.New(dispatch.Config{
		Reactor:            react,
		Resolver:           r.resolver,
		ClientTLSConfig:    clientTLS,
		CertCache:          certCache,
		OptimizeThroughput: cfg.Server.OptimizeThroughput,
		MaxActive:          cfg.Server.MaxConnections,
		Logger:             r.logger,
	})
	r.rejectPackets = cfg.Server.RejectPackets
	r.optimizeThroughput = cfg.Server.OptimizeThroughput

	factory := r.serverConnectionFactory()
	listener, err := reactor.Listen(unix.AF_INET, cfg.Server.ListenIP, cfg.Server.Port, factory, r.logger)
	if err != nil {
		return fmt.Errorf("relay: starting listener: %w", err)
	}
	r.listener = listener
	if err := react.Register(listener); err != nil {
		_ = listener.Shutdown()
		return fmt.Errorf("relay: registering listener: %w", err)
	}

	if r.logger != nil {
		r.logger.Info("relaynode listening",
			"ip", cfg.Server.ListenIP, "port", cfg.Server.Port,
			"max_connections", cfg.Server.MaxConnections,
			"resolver_workers", workers,
		)
	}

	return r.loop(ctx, time.Duration(cfg.Server.TimeoutSeconds)*time.Second)
}

// loop flushes queued outbound sends, refills the bandwidth bucket once
// per tick, ages out idle connections, then polls for readiness —
// repeated until ctx is cancelled.
func (r *Runner) loop(ctx context.Context, idleTimeout time.Duration) error {
	ticker := time.NewTicker(reactor.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case now := <-ticker.C:
			r.react.Tick()
			if idleTimeout > 0 {
				r.react.TryTimeout(now.Add(-idleTimeout))
			}
		default:
		}

		r.dispatcher.Drain()
		r.resolver.Drain()

		if err := r.react.Process(pollTimeout); err != nil {
			if r.logger != nil {
				r.logger.Error("reactor process failed", "error", err)
			}
			return err
		}
	}
}

func (r *Runner) shutdown() {
	if r.listener != nil {
		_ = r.listener.Shutdown()
	}
	if r.logger != nil {
		r.logger.Info("relaynode shutting down")
	}
}

// serverConnectionFactory builds a reactor.ConnectionFactory that wraps
// each accepted fd in an mtp.ServerConn and registers it with the
// reactor, tagging it with a correlation id the same way
// internal/logging.ForConnection tags every connection's log lines.
// Each invocation reads the current server TLS config through
// currentServerTLS, so a SetServerTLSConfig call made mid-run applies
// to every connection accepted afterwards without needing the listener
// or any already-open connection to be restarted.
func (r *Runner) serverConnectionFactory() reactor.ConnectionFactory {
	return func(fd int, peer net.Addr) (reactor.Connection, error) {
		connID := uuid.New().String()[:8]
		connLogger := r.logger
		displayName := mtp.DisplayName(peer, "")
		if connLogger != nil {
			connLogger = connLogger.With(slog.String("conn", connID), slog.String("peer", displayName))
		}

		cb := mtp.ServerCallbacks{
			OnPacket: func(body []byte) {
				if connLogger != nil {
					connLogger.Debug("packet received", "bytes", len(body))
				}
			},
		}

		conn, err := mtp.NewServerConn(fd, r.currentServerTLS(), displayName, r.rejectPackets, cb, connLogger)
		if err != nil {
			return nil, err
		}
		if err := r.react.Register(conn); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SetServerTLSConfig replaces the TLS configuration used to accept new
// inbound connections, for in-process certificate rotation without a
// process restart. Connections already past their handshake are
// unaffected; only fds accepted after this call see the new config.
func (r *Runner) SetServerTLSConfig(conf *tls.Config) {
	r.serverTLSMu.Lock()
	defer r.serverTLSMu.Unlock()
	r.serverTLS = conf
}

func (r *Runner) currentServerTLS() *tls.Config {
	r.serverTLSMu.RLock()
	defer r.serverTLSMu.RUnlock()
	return r.serverTLS
}

// SendPacket queues a packet for delivery to addr via the outbound
// dispatcher, safe to call from any goroutine.
func (r *Runner) SendPacket(addr mtp.Address, serverName string, packet mtp.DeliverablePacket) error {
	return r.dispatcher.Send(addr, serverName, packet)
}

// SendPacketsByRouting queues packets for delivery to a destination that
// may still need hostname resolution, safe to call from any goroutine.
// Routing.Host being a literal IP skips DNS entirely; otherwise the
// dispatcher's resolver is consulted and the packets are enqueued once
// it answers (see dispatch.Dispatcher.SendPacketsByRouting).
func (r *Runner) SendPacketsByRouting(routing dispatch.Routing, packets []mtp.DeliverablePacket) error {
	return r.dispatcher.SendPacketsByRouting(routing, packets)
}

func resolverWorkerCount(w config.WorkerSetting) int {
	if w.Mode == config.WorkersFixed && w.Value > 0 {
		return w.Value
	}
	return 0 // auto-size inside dnscache.New
}

// buildTLSConfigs loads the certificate/key pair and optional client CA
// pool named in cfg, producing the server-side config (used to accept
// inbound connections) and the client-side base config (used to dial
// outbound connections; fingerprint pinning is layered on top per
// connection in mtp.ClientConn).
func buildTLSConfigs(cfg config.TLSConfig) (server, client *tls.Config, err error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, fmt.Errorf("tls.cert_file and tls.key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading key pair: %w", err)
	}

	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.ClientCAFile != "" {
		pool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, nil, err
		}
		serverConf.ClientCAs = pool
		serverConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	clientConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	return serverConf, clientConf, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
