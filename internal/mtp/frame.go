// Package mtp implements the Mix Transfer Protocol: the framed,
// SHA-1-checksummed packet exchange relaynode speaks over a mutually
// authenticated TLS channel once the greeting handshake completes. Every
// data frame carries a fixed 6-byte control tag, a fixed-size packet
// body, and a trailing digest, so framing needs no length prefix at all
// — unlike a variable-length, length-prefixed wire format, the frame
// boundary is always a constant number of bytes away.
package mtp

import (
	"crypto/sha1" //nolint:gosec // protocol-mandated digest, not used for security
	"fmt"
)

const (
	// PacketLen is the size of one plaintext packet body.
	PacketLen = 1 << 15

	// ControlTagLen is the length of the fixed control tag prefixing
	// every data frame ("SEND\r\n" / "JUNK\r\n").
	ControlTagLen = 6

	// DigestLen is the length of the trailing SHA-1 digest.
	DigestLen = 20

	// MessageLen is the total size of one data frame: control tag +
	// packet body + digest.
	MessageLen = ControlTagLen + PacketLen + DigestLen

	// AckControlLen is the length of the ack control tags ("RECEIVED\r\n"
	// / "REJECTED\r\n"), which are longer than the 6-byte SEND/JUNK tags.
	AckControlLen = 10

	// AckLen is the size of one acknowledgment frame: ack control tag +
	// digest, no packet body.
	AckLen = AckControlLen + DigestLen
)

// Control tags identifying each frame kind on the wire.
const (
	ControlSend     = "SEND\r\n"
	ControlJunk     = "JUNK\r\n"
	ControlReceived = "RECEIVED\r\n"
	ControlRejected = "REJECTED\r\n"
)

// Digest suffixes appended to the packet body before hashing, one per
// control tag and per ack variant.
const (
	suffixSend         = "SEND"
	suffixJunk         = "JUNK"
	suffixReceived     = "RECEIVED"
	suffixReceivedJunk = "RECEIVED JUNK"
	suffixRejected     = "REJECTED"
)

// Digest computes the SHA-1 digest of a packet body with the given
// protocol suffix appended, the same construction the original
// implementation uses for both outgoing sends and incoming
// acknowledgment verification.
func Digest(body []byte, suffix string) [DigestLen]byte {
	h := sha1.New() //nolint:gosec // protocol-mandated, not a security boundary
	h.Write(body)
	h.Write([]byte(suffix))
	var out [DigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncodeDataFrame builds a MessageLen-byte data frame for the given
// packet body, tagging it SEND (a real packet) or JUNK (link padding).
func EncodeDataFrame(body []byte, junk bool) ([]byte, error) {
	if len(body) != PacketLen {
		return nil, fmt.Errorf("mtp: packet body must be %d bytes, got %d", PacketLen, len(body))
	}
	control := ControlSend
	suffix := suffixSend
	if junk {
		control = ControlJunk
		suffix = suffixJunk
	}
	digest := Digest(body, suffix)

	frame := make([]byte, 0, MessageLen)
	frame = append(frame, control...)
	frame = append(frame, body...)
	frame = append(frame, digest[:]...)
	return frame, nil
}

// DecodedFrame is a parsed MessageLen-byte data frame.
type DecodedFrame struct {
	Junk   bool
	Body   []byte
	Digest [DigestLen]byte
}

// DecodeDataFrame parses a raw MessageLen-byte frame and verifies its
// control tag, returning an error for any tag other than SEND/JUNK. It
// does not verify the digest; callers compare it against Digest(body,
// suffix) themselves so the server can choose RECEIVED vs REJECTED
// suffixes based on configuration.
func DecodeDataFrame(frame []byte) (*DecodedFrame, error) {
	if len(frame) != MessageLen {
		return nil, fmt.Errorf("mtp: frame must be %d bytes, got %d", MessageLen, len(frame))
	}
	control := string(frame[:ControlTagLen])
	body := frame[ControlTagLen : ControlTagLen+PacketLen]
	var digest [DigestLen]byte
	copy(digest[:], frame[ControlTagLen+PacketLen:])

	switch control {
	case ControlSend:
		return &DecodedFrame{Junk: false, Body: body, Digest: digest}, nil
	case ControlJunk:
		return &DecodedFrame{Junk: true, Body: body, Digest: digest}, nil
	default:
		return nil, fmt.Errorf("mtp: unrecognized control tag %q", control)
	}
}

// ExpectedDigest returns the digest a decoded frame's body must match,
// given whether it was junk.
func ExpectedDigest(body []byte, junk bool) [DigestLen]byte {
	if junk {
		return Digest(body, suffixJunk)
	}
	return Digest(body, suffixSend)
}

// EncodeAck builds an AckLen-byte acknowledgment frame for a received
// packet body. accepted selects RECEIVED vs REJECTED (operator-configured
// via Server.RejectPackets); junk selects the "RECEIVED JUNK" digest
// suffix used for padding acks.
func EncodeAck(body []byte, junk, accepted bool) []byte {
	control := ControlReceived
	suffix := suffixReceived
	switch {
	case junk:
		suffix = suffixReceivedJunk
	case !accepted:
		control = ControlRejected
		suffix = suffixRejected
	}
	digest := Digest(body, suffix)

	frame := make([]byte, 0, AckLen)
	frame = append(frame, control...)
	frame = append(frame, digest[:]...)
	return frame
}

// DecodeAck parses an AckLen-byte frame into its control tag and digest.
func DecodeAck(frame []byte) (accepted bool, digest [DigestLen]byte, err error) {
	if len(frame) != AckLen {
		return false, digest, fmt.Errorf("mtp: ack frame must be %d bytes, got %d", AckLen, len(frame))
	}
	control := string(frame[:AckControlLen])
	copy(digest[:], frame[AckControlLen:])
	switch control {
	case ControlReceived:
		return true, digest, nil
	case ControlRejected:
		return false, digest, nil
	default:
		return false, digest, fmt.Errorf("mtp: unrecognized ack control tag %q", control)
	}
}
