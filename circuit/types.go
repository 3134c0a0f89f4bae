package circuit

import (
	"crypto/rsa"
	"sync"

	"github.com/onionmesh/circuitcore/crypto"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/peermodel"
)

// Status is a circuit's position in the build/repair lattice (spec §4.4).
type Status string

const (
	StatusBuilding   Status = "Building"
	StatusReady      Status = "Ready"
	StatusDegraded   Status = "Degraded"
	StatusRepairing  Status = "Repairing"
	StatusRebuilding Status = "Rebuilding"
	StatusFailed     Status = "Failed"
	StatusClosed     Status = "Closed"
)

// Hop is the originator's view of one circuit hop: the peer serving it,
// the role it was selected for, and the ephemeral public key that peer
// generated for this circuit. Only the public half is ever held here —
// each hop keeps its own ephemeral private key (spec §3's ephemeral-key
// resolution, see DESIGN.md).
type Hop struct {
	PeerID             string
	Role               peermodel.Role
	EphemeralPublicKey *rsa.PublicKey
}

// Circuit is the originator's view of one multi-hop path. Send calls
// serialize under wmu (spec §5: "frame i fully written before frame i+1
// begins"); Status/Hops reads use rmu, mirroring the teacher's rmu/wmu
// split in circuit.Circuit.
type Circuit struct {
	rmu sync.RWMutex
	wmu sync.Mutex

	ID     string
	Hops   []Hop
	link0  peerlink.Link
	status Status
}

func (c *Circuit) Status() Status {
	c.rmu.RLock()
	defer c.rmu.RUnlock()
	return c.status
}

func (c *Circuit) setStatus(s Status) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.status = s
}

// HopIDs returns the ordered peer IDs of the circuit (invariant iv: a
// Ready circuit has exactly |hops| distinct peer IDs).
func (c *Circuit) HopIDs() []string {
	c.rmu.RLock()
	defer c.rmu.RUnlock()
	out := make([]string, len(c.Hops))
	for i, h := range c.Hops {
		out[i] = h.PeerID
	}
	return out
}

func (c *Circuit) hopsSnapshot() []Hop {
	c.rmu.RLock()
	defer c.rmu.RUnlock()
	out := make([]Hop, len(c.Hops))
	copy(out, c.Hops)
	return out
}

func (c *Circuit) setHop(i int, h Hop) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.Hops[i] = h
}

// relayState is a hop's view of one circuit it is relaying or exiting for:
// its own ephemeral circuit key pair, and the identities of its immediate
// neighbors. A hop never learns more than this (spec §4.4).
type relayState struct {
	mu sync.Mutex

	circuitID string
	prevHopID string
	nextHopID string
	keys      *crypto.KeyPair
	nextLink  peerlink.Link
}
