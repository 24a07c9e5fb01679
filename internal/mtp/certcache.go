package mtp

import (
	"crypto/sha1" //nolint:gosec // fingerprint identity, not a security boundary
	"crypto/x509"
	"sync"
)

// Fingerprint is a SHA-1 digest of a peer certificate's DER encoding,
// used to pin outbound MTP client connections to the key the routing
// information named.
type Fingerprint [20]byte

// FingerprintOf computes the Fingerprint of a parsed certificate.
func FingerprintOf(cert *x509.Certificate) Fingerprint {
	var fp Fingerprint
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	copy(fp[:], sum[:])
	return fp
}

// PeerCertificateCache memoizes whether a peer's certificate chain has
// already been checked against an expected fingerprint: once a client
// connection has verified the server's identity once, it need not redo
// the check on later reconnects within the same process lifetime.
type PeerCertificateCache struct {
	mu       sync.Mutex
	verified map[Fingerprint]bool
}

// NewPeerCertificateCache creates an empty cache.
func NewPeerCertificateCache() *PeerCertificateCache {
	return &PeerCertificateCache{verified: make(map[Fingerprint]bool)}
}

// Check reports whether fp has already been recorded as matching its
// expected identity, and records that it has if this is the first time
// it's presented as matching.
func (c *PeerCertificateCache) Check(fp Fingerprint, matches bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verified[fp] {
		return true
	}
	if matches {
		c.verified[fp] = true
	}
	return matches
}

// Verified reports whether fp has previously been recorded as matching,
// without mutating the cache.
func (c *PeerCertificateCache) Verified(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified[fp]
}

// Forget removes a fingerprint's cached verdict, so the next Check for it
// records afresh. Nothing in this package calls it.
func (c *PeerCertificateCache) Forget(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verified, fp)
}
