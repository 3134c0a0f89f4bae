// Package identity models the local node's process-scoped identity: its
// opaque peer_id, its long-term key pair, and the moment it came up.
//
// spec.md's design notes call this out explicitly: "Local identity,
// long-term key pair, and start time are process-scoped. Model as an
// explicit NodeIdentity value threaded into the registry at construction;
// avoid module-level globals so tests can spin multiple logical nodes in
// one process." NodeIdentity is that value — registry.New takes one rather
// than generating a peer_id and key pair inline, the way the teacher's
// node keeps its RSA identity key and fingerprint as fields on the node
// value rather than package state.
package identity

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onionmesh/circuitcore/crypto"
)

// NodeIdentity is the local node's identity for the lifetime of one process.
type NodeIdentity struct {
	PeerID    string
	Keys      *crypto.KeyPair
	StartTime time.Time
}

// Option configures optional aspects of NodeIdentity construction.
type Option func(*NodeIdentity)

// WithStartTime overrides the clock origin a NodeIdentity's uptime is
// measured from (default: the moment New runs). Tests use this to
// backdate a node past registry.MinUptime without a real wait.
func WithStartTime(t time.Time) Option {
	return func(id *NodeIdentity) { id.StartTime = t }
}

// New generates a fresh peer_id and long-term RSA key pair (spec.md §6: "a
// fresh peer_id and key pair are generated each run"). peer_id uses
// google/uuid rather than the teacher's SHA-1-of-identity-key fingerprint,
// since spec.md §3 only calls for an opaque, globally unique identifier.
func New(opts ...Option) (*NodeIdentity, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	id := &NodeIdentity{
		PeerID:    uuid.NewString(),
		Keys:      keys,
		StartTime: time.Now(),
	}
	for _, opt := range opts {
		opt(id)
	}
	return id, nil
}

// Fingerprint returns the SHA-1 hex digest of the node's long-term public
// key DER encoding, for log lines and diagnostics only — it plays no part
// in peer identification or lookup, which is PeerID's job. Grounded on
// directory/keycert.go's verifyIdentityFingerprint (sha1.Sum over a DER
// key block, hex-encoded).
func (id *NodeIdentity) Fingerprint() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(id.Keys.Public)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	sum := sha1.Sum(der)
	return hex.EncodeToString(sum[:]), nil
}
