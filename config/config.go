// Package config loads circuitd's bootstrap configuration: the handful of
// values spec.md §6 calls out as externally supplied rather than computed
// (signaling endpoint, role hint, and the timing/threshold constants the
// rest of the module otherwise bakes in as package-level constants).
//
// Grounded on the teacher's cmd/tor-client/main.go, which has no flag or
// env parsing of its own (everything is a hardcoded literal in main) —
// this module generalizes that single-process-one-shot shape into an
// explicit, overridable Config value, following
// PTHyperdrive-Hoshizora-RSW/go-node/node.go's envPort helper (trimmed
// os.Getenv + strconv parse + fall back to a default) generalized from one
// int-valued env var to every field below.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onionmesh/circuitcore/peermodel"
)

// Config is circuitd's bootstrap configuration (spec.md §6's Configuration
// table), plus the handful of deployment-local fields the daemon needs
// that spec.md leaves to "an external collaborator" — peer-link addressing
// is explicitly out of scope for the circuit engine itself (spec.md §1:
// "the peer link transport ... e.g., a datagram channel established
// out-of-band"), so circuitd supplies a minimal static address book rather
// than inventing a discovery/NAT-traversal protocol the spec deliberately
// excludes.
type Config struct {
	SignalingEndpoint string
	RoleHint          peermodel.Role

	WaitingPeriod        time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	MinNodesRequired     int
	MinHops              int
	MonitorInterval      time.Duration

	// ListenAddr is where this node accepts inbound peer-link connections
	// from circuits it's a hop on. Deployment-local, not part of spec.md's
	// Configuration table.
	ListenAddr string

	// PeerAddresses maps a peer_id to the host:port its peer link is
	// reachable at. Populated out-of-band (e.g. alongside node_announcement
	// by a deployment's own bootstrap process); circuitd only consumes it.
	PeerAddresses map[string]string

	// Originate, when true, has this node also build and monitor one
	// outbound circuit of its own in addition to serving as a hop for
	// others.
	Originate bool
}

// Default returns spec.md §6's literal defaults with no signaling endpoint
// set — callers must supply one, there being no sane default rendezvous
// address to bake in.
func Default() Config {
	return Config{
		RoleHint:             peermodel.RoleRelay,
		WaitingPeriod:        30 * time.Second,
		ReconnectBackoff:     1 * time.Second,
		MaxReconnectAttempts: 5,
		MinNodesRequired:     2,
		MinHops:              3,
		MonitorInterval:      5 * time.Second,
		ListenAddr:           ":4433",
		PeerAddresses:        map[string]string{},
	}
}

// Environment variable names FromEnv reads.
const (
	EnvSignalingEndpoint    = "CIRCUITD_SIGNALING_ENDPOINT"
	EnvRoleHint             = "CIRCUITD_ROLE_HINT"
	EnvWaitingPeriodMS      = "CIRCUITD_WAITING_PERIOD_MS"
	EnvReconnectBackoffMS   = "CIRCUITD_RECONNECT_BACKOFF_MS"
	EnvMaxReconnectAttempts = "CIRCUITD_MAX_RECONNECT_ATTEMPTS"
	EnvMinNodesRequired     = "CIRCUITD_MIN_NODES_REQUIRED"
	EnvMinHops              = "CIRCUITD_MIN_HOPS"
	EnvMonitorIntervalMS    = "CIRCUITD_MONITOR_INTERVAL_MS"
	EnvListenAddr           = "CIRCUITD_LISTEN_ADDR"
	EnvPeerAddresses        = "CIRCUITD_PEER_ADDRESSES" // "peerID1=host:port,peerID2=host:port"
	EnvOriginate            = "CIRCUITD_ORIGINATE"
)

// FromEnv starts from Default and overrides any field whose environment
// variable is set and parses cleanly; an unset or unparsable variable
// leaves the default in place rather than failing startup.
func FromEnv() Config {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv(EnvSignalingEndpoint)); v != "" {
		cfg.SignalingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRoleHint)); v != "" {
		if role := peermodel.Role(v); role.Valid() {
			cfg.RoleHint = role
		}
	}
	if ms := envInt(EnvWaitingPeriodMS, 0); ms > 0 {
		cfg.WaitingPeriod = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt(EnvReconnectBackoffMS, 0); ms > 0 {
		cfg.ReconnectBackoff = time.Duration(ms) * time.Millisecond
	}
	if n := envInt(EnvMaxReconnectAttempts, 0); n > 0 {
		cfg.MaxReconnectAttempts = n
	}
	if n := envInt(EnvMinNodesRequired, 0); n > 0 {
		cfg.MinNodesRequired = n
	}
	if n := envInt(EnvMinHops, 0); n > 0 {
		cfg.MinHops = n
	}
	if ms := envInt(EnvMonitorIntervalMS, 0); ms > 0 {
		cfg.MonitorInterval = time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPeerAddresses)); v != "" {
		cfg.PeerAddresses = parsePeerAddresses(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvOriginate)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Originate = b
		}
	}

	return cfg
}

// parsePeerAddresses parses "id1=addr1,id2=addr2" into a map, skipping any
// entry missing the "=" separator rather than failing the whole load.
func parsePeerAddresses(v string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addr == "" {
			continue
		}
		out[id] = addr
	}
	return out
}

// envInt mirrors go-node's envPort: trim, parse, fall back to def on any
// parse failure or an unset variable.
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
