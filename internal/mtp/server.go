package mtp

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/mtprelay/relaynode/internal/reactor"
)

// ServerState enumerates the MTP server-side connection lifecycle as an
// explicit state machine: accept the socket, await the peer's greeting,
// send our own, then exchange data frames until the connection closes.
type ServerState int

const (
	ServerAccepting ServerState = iota
	ServerAwaitGreeting
	ServerGreetingSent
	ServerExchange
	ServerClosing
	ServerClosed
)

// handshakeDeadline bounds how long one Process() call may block inside
// the TLS handshake or a partial record read before yielding back to the
// reactor. crypto/tls has no resumable BIO-style handshake API, so
// relaynode trades a small bounded per-tick stall for keeping "one
// goroutine owns all Connection state."
const handshakeDeadline = 20 * time.Millisecond

// ServerCallbacks are invoked as the server consumes packets from the
// exchange stream.
type ServerCallbacks struct {
	OnPacket func(body []byte)
	OnJunk   func()
	OnReject func()
}

// ServerConn implements reactor.Connection for one inbound MTP session:
// TLS server handshake, greeting negotiation, then a stream of SEND/JUNK
// data frames each answered with a RECEIVED/REJECTED ack.
type ServerConn struct {
	fd          int
	raw         net.Conn
	tlsConn     *tls.Conn
	displayName string
	logger      *slog.Logger

	state         ServerState
	rejectPackets bool
	cb            ServerCallbacks

	inbuf        []byte
	outbuf       []byte
	lastActivity time.Time
}

// NewServerConn wraps a freshly accepted file descriptor in a TLS server
// connection in the ServerAccepting state; the TLS handshake itself runs
// on the first Process calls.
func NewServerConn(fd int, tlsConfig *tls.Config, displayName string, rejectPackets bool, cb ServerCallbacks, logger *slog.Logger) (*ServerConn, error) {
	file := os.NewFile(uintptr(fd), "mtp-server-conn")
	raw, err := net.FileConn(file)
	_ = file.Close() // FileConn dup'd the fd; release our reference
	if err != nil {
		return nil, fmt.Errorf("mtp: wrapping accepted fd: %w", err)
	}

	tlsConn := tls.Server(raw, tlsConfig)
	return &ServerConn{
		fd:            fd,
		raw:           raw,
		tlsConn:       tlsConn,
		displayName:   displayName,
		logger:        logger,
		state:         ServerAccepting,
		rejectPackets: rejectPackets,
		cb:            cb,
		lastActivity:  time.Now(),
	}, nil
}

// FileNo implements reactor.Connection.
func (s *ServerConn) FileNo() int { return s.fd }

// GetStatus implements reactor.Connection.
func (s *ServerConn) GetStatus() reactor.Status {
	switch s.state {
	case ServerClosed:
		return reactor.Status{Open: false}
	case ServerExchange:
		return reactor.Status{WantRead: true, WantWrite: len(s.outbuf) > 0, Open: true}
	default:
		return reactor.Status{WantRead: true, WantWrite: true, Open: true}
	}
}

// TryTimeout implements reactor.Connection: shuts the connection down if
// it has been idle since cutoff.
func (s *ServerConn) TryTimeout(cutoff time.Time) {
	if s.state == ServerClosed {
		return
	}
	if s.lastActivity.Before(cutoff) {
		if s.logger != nil {
			s.logger.Info("closing idle connection", "peer", s.displayName)
		}
		s.shutdown()
	}
}

// Process implements reactor.Connection.
func (s *ServerConn) Process(readable, writable, exceptional bool, quota int64) (reactor.Status, int64) {
	if exceptional {
		s.shutdown()
		return s.GetStatus(), 0
	}
	if s.state == ServerClosed {
		return s.GetStatus(), 0
	}

	_ = s.tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	var used int64

	switch s.state {
	case ServerAccepting:
		if err := s.tlsConn.Handshake(); err != nil {
			if !isTimeout(err) {
				s.logWarn("TLS handshake failed", err)
				s.shutdown()
				return s.GetStatus(), 0
			}
			break
		}
		s.state = ServerAwaitGreeting
		fallthrough
	case ServerAwaitGreeting:
		if readable {
			n, err := s.readInto(4096)
			used += int64(n)
			if err != nil && !isTimeout(err) {
				s.shutdown()
				return s.GetStatus(), used
			}
		}
		line, ok := s.takeLine()
		if ok {
			versions, err := ParseGreeting(line)
			if err != nil {
				s.logWarn("bad greeting", err)
				s.shutdown()
				return s.GetStatus(), used
			}
			version, err := NegotiateVersion(versions)
			if err != nil {
				s.logWarn("version negotiation failed", err)
				s.shutdown()
				return s.GetStatus(), used
			}
			s.outbuf = append(s.outbuf, EncodeGreeting(version)...)
			s.state = ServerGreetingSent
		}
	case ServerGreetingSent:
		if writable && len(s.outbuf) > 0 {
			n, err := s.flushOutbuf()
			used += int64(n)
			if err != nil && !isTimeout(err) {
				s.shutdown()
				return s.GetStatus(), used
			}
		}
		if len(s.outbuf) == 0 {
			s.state = ServerExchange
		}
	case ServerExchange:
		if readable {
			toRead := 4096
			if quota >= 0 && quota < int64(toRead) {
				toRead = int(quota)
			}
			if toRead > 0 {
				n, err := s.readInto(toRead)
				used += int64(n)
				if err != nil && !isTimeout(err) {
					s.shutdown()
					return s.GetStatus(), used
				}
			}
			s.consumeFrames()
		}
		if writable && len(s.outbuf) > 0 {
			n, err := s.flushOutbuf()
			used += int64(n)
			if err != nil && !isTimeout(err) {
				s.shutdown()
				return s.GetStatus(), used
			}
		}
	}

	if used > 0 {
		s.lastActivity = time.Now()
	}
	return s.GetStatus(), used
}

// consumeFrames decodes every complete MessageLen-byte frame currently
// buffered, invoking the appropriate callback and queuing its ack.
func (s *ServerConn) consumeFrames() {
	for len(s.inbuf) >= MessageLen {
		frameBytes := s.inbuf[:MessageLen]
		s.inbuf = s.inbuf[MessageLen:]

		decoded, err := DecodeDataFrame(frameBytes)
		if err != nil {
			s.logWarn("unrecognized frame", err)
			s.shutdown()
			return
		}
		expected := ExpectedDigest(decoded.Body, decoded.Junk)
		if expected != decoded.Digest {
			s.logWarn("checksum mismatch", errors.New("digest did not match"))
			s.shutdown()
			return
		}

		switch {
		case decoded.Junk:
			if s.cb.OnJunk != nil {
				s.cb.OnJunk()
			}
		case s.rejectPackets:
			if s.cb.OnReject != nil {
				s.cb.OnReject()
			}
		default:
			if s.cb.OnPacket != nil {
				s.cb.OnPacket(decoded.Body)
			}
		}

		ack := EncodeAck(decoded.Body, decoded.Junk, !s.rejectPackets)
		s.outbuf = append(s.outbuf, ack...)
	}
}

func (s *ServerConn) readInto(max int) (int, error) {
	buf := getReadBuf(max)
	defer putReadBuf(buf)
	n, err := s.tlsConn.Read(buf)
	if n > 0 {
		s.inbuf = append(s.inbuf, buf[:n]...)
	}
	return n, err
}

func (s *ServerConn) flushOutbuf() (int, error) {
	n, err := s.tlsConn.Write(s.outbuf)
	if n > 0 {
		s.outbuf = s.outbuf[n:]
	}
	return n, err
}

// takeLine extracts one newline-terminated line from inbuf, matching the
// original implementation's getInbufLine(4096, clear=1).
func (s *ServerConn) takeLine() (string, bool) {
	idx := bytes.IndexByte(s.inbuf, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(s.inbuf[:idx+1])
	s.inbuf = s.inbuf[idx+1:]
	return line, true
}

func (s *ServerConn) shutdown() {
	if s.state == ServerClosed {
		return
	}
	s.state = ServerClosed
	_ = s.tlsConn.Close()
}

func (s *ServerConn) logWarn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, "peer", s.displayName, "error", err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
