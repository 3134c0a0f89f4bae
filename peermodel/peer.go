// Package peermodel defines the shared data model for peers in the network:
// roles, status, capabilities, and the regional-diversity classification
// used by candidate selection.
package peermodel

import (
	"crypto/rsa"
	"time"
)

// Role is a peer's declared position in a circuit. Roles are self-declared
// and may rotate (see the registry package's rotation logic).
type Role string

const (
	RoleEntry Role = "ENTRY"
	RoleRelay Role = "RELAY"
	RoleExit  Role = "EXIT"
)

func (r Role) Valid() bool {
	switch r {
	case RoleEntry, RoleRelay, RoleExit:
		return true
	}
	return false
}

// Status is a peer's admission/availability state.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOffline   Status = "OFFLINE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Location is an optional, approximate geographic position used only for
// circuit diversity selection.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Capabilities are the last-observed performance characteristics of a peer.
type Capabilities struct {
	MaxBandwidthBPS float64 `json:"max_bandwidth_bps"`
	LatencyMS       float64 `json:"latency_ms"` // math.Inf(1) if unknown/unreachable
	Reliability     float64 `json:"reliability"`
	UptimeMS        int64   `json:"uptime_ms"`
}

// Unknown reports whether capabilities have never been measured.
func (c Capabilities) Unknown() bool {
	return c == Capabilities{}
}

// Peer is one entry in the registry.
type Peer struct {
	PeerID       string
	Role         Role
	Status       Status
	PublicKey    *rsa.PublicKey
	Location     *Location
	Capabilities Capabilities
	LastSeen     time.Time
}

// Stale reports whether the peer's last-seen timestamp is older than window,
// as of "now" (invariant ii: a stale peer is Offline regardless of Status).
func (p Peer) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeen) > window
}

// EffectiveStatus applies the staleness override (invariant ii).
func (p Peer) EffectiveStatus(now time.Time, window time.Duration) Status {
	if p.Stale(now, window) {
		return StatusOffline
	}
	return p.Status
}
