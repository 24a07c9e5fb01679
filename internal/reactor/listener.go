package reactor

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the accept backlog used for every relaynode listener.
const ListenBacklog = 128

// ConnectionFactory builds a reactor Connection for a freshly accepted
// socket and its peer address.
type ConnectionFactory func(fd int, peer net.Addr) (Connection, error)

// Listener is a Connection that accepts incoming TCP connections on a
// bound, non-blocking socket and hands each one to a ConnectionFactory.
// It sets SO_REUSEADDR and gives explicit bind-error diagnostics, and
// its fd registers with the reactor's Multiplexer like any other
// connection.
type Listener struct {
	fd      int
	ip      string
	port    int
	open    bool
	factory ConnectionFactory
	logger  *slog.Logger
}

// Listen creates, binds, and begins listening on ip:port for the given
// address family (unix.AF_INET or unix.AF_INET6).
func Listen(family int, ip string, port int, factory ConnectionFactory, logger *slog.Logger) (*Listener, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating listen socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting listen socket non-blocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddrFor(family, ip, port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, bindError(ip, port, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen on %s:%d: %w", ip, port, err)
	}

	if logger != nil {
		logger.Info("listening", "ip", ip, "port", port, "fd", fd)
	}

	return &Listener{fd: fd, ip: ip, port: port, open: true, factory: factory, logger: logger}, nil
}

// bindError annotates the raw bind failure with operator hints for the
// three most common misconfigurations: binding to an address the host
// doesn't own, binding to a privileged port without root, and binding
// to an address already in use.
func bindError(ip string, port int, err error) error {
	extra := ""
	switch {
	case errors.Is(err, unix.EADDRNOTAVAIL):
		extra = " (is that really your IP address?)"
	case errors.Is(err, unix.EACCES):
		extra = " (remember, only root can bind low ports)"
	case errors.Is(err, unix.EADDRINUSE):
		extra = " (is another relaynode instance already running?)"
	}
	return fmt.Errorf("binding to %s:%d: %w%s", ip, port, err, extra)
}

func sockaddrFor(family int, ip string, port int) (unix.Sockaddr, error) {
	addr := net.ParseIP(ip)
	if ip != "" && addr == nil {
		return nil, fmt.Errorf("invalid listen address %q", ip)
	}
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: port}
		if addr != nil {
			copy(sa.Addr[:], addr.To4())
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: port}
		if addr != nil {
			copy(sa.Addr[:], addr.To16())
		}
		return sa, nil
	default:
		return nil, fmt.Errorf("unsupported address family %d", family)
	}
}

// FileNo implements Connection.
func (l *Listener) FileNo() int { return l.fd }

// GetStatus implements Connection: a listener always wants to be polled
// for readability (an incoming connection) while open.
func (l *Listener) GetStatus() Status {
	return Status{WantRead: l.open, Open: l.open}
}

// Process implements Connection: accepts one pending connection per
// invocation and hands it to the factory. Listeners never consume
// bandwidth quota.
func (l *Listener) Process(readable, writable, exceptional bool, quota int64) (Status, int64) {
	if !readable || !l.open {
		return l.GetStatus(), 0
	}

	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && l.logger != nil {
			l.logger.Warn("accept failed", "ip", l.ip, "port", l.port, "error", err)
		}
		return l.GetStatus(), 0
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return l.GetStatus(), 0
	}

	peer := sockaddrToNetAddr(sa)
	if l.logger != nil {
		l.logger.Debug("accepted connection", "peer", peer)
	}

	if _, err := l.factory(nfd, peer); err != nil {
		if l.logger != nil {
			l.logger.Warn("connection factory failed", "peer", peer, "error", err)
		}
		_ = unix.Close(nfd)
	}

	return l.GetStatus(), 0
}

// TryTimeout implements Connection: listeners are never aged out.
func (l *Listener) TryTimeout(cutoff time.Time) {}

// Shutdown closes the listening socket.
func (l *Listener) Shutdown() error {
	if !l.open {
		return nil
	}
	l.open = false
	if l.logger != nil {
		l.logger.Info("closing listener", "ip", l.ip, "port", l.port)
	}
	return unix.Close(l.fd)
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
