// Package circuit builds, maintains, and tears down multi-hop anonymous
// paths, and — since every participant plays originator, relay, and exit
// roles symmetrically — also accepts establishment requests and forwards
// circuit_data frames on behalf of circuits it relays for.
//
// Grounded directly on circuit/circuit.go and circuit/extend.go: the
// sequential per-hop establishment loop (Create then repeated Extend), the
// rmu/wmu split protecting read vs. write circuit state, and the
// SetDeadline-scoped handshake step all carry over almost structurally
// unchanged — only the handshake payload (an RSA-OAEP establishment
// record instead of CREATE2/EXTEND2 ntor cells) and the transport (a peer
// link instead of a Tor OR link) change.
package circuit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/registry"
	"github.com/onionmesh/circuitcore/signaling"
	"github.com/onionmesh/circuitcore/wireframe"
)

// MinHops is spec.md's default MIN_HOPS.
const MinHops = 3

// HopDialer opens a peer link to the given peer ID. Address resolution is
// an external concern — spec.md's component table marks "Peer link" an
// ambient collaborator, separate from the circuit builder's own share —
// so callers inject how a peer ID becomes a dialable address, the same
// way signaling.Dialer abstracts the signaling endpoint.
type HopDialer func(ctx context.Context, peerID string) (peerlink.Link, error)

// DeliverFunc is called with the plaintext that emerges when this node is
// acting as a circuit's exit hop.
type DeliverFunc func(circuitID string, plaintext []byte)

// Engine is the circuit builder and relay, shared by every role a node
// plays. One Engine instance is wired into a node's signaling dispatch and
// peer-link accept loop.
type Engine struct {
	reg     *registry.Registry
	adapter *signaling.Adapter
	dial    HopDialer
	deliver DeliverFunc
	logger  *slog.Logger

	mu       sync.Mutex
	circuits map[string]*Circuit
	relays   map[string]*relayState
	pending  map[string]chan wireframe.LinkOpenConfirmation
}

// New builds an Engine. deliver may be nil if this node never expects to
// act as an exit hop (it will simply drop final-layer plaintext with a log
// line).
func New(reg *registry.Registry, adapter *signaling.Adapter, dial HopDialer, deliver DeliverFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reg:      reg,
		adapter:  adapter,
		dial:     dial,
		deliver:  deliver,
		logger:   logger,
		circuits: make(map[string]*Circuit),
		relays:   make(map[string]*relayState),
		pending:  make(map[string]chan wireframe.LinkOpenConfirmation),
	}
}

// HandleFrame dispatches an inbound signaling frame relevant to circuits.
// Callers wire this into the same dispatch loop that feeds
// registry.Registry's handler, alongside it rather than instead of it.
func (e *Engine) HandleFrame(ctx context.Context, f wireframe.Frame) {
	if f.Type != wireframe.TypeCircuitSignaling {
		return
	}
	var msg wireframe.CircuitSignaling
	if err := f.Unmarshal(&msg); err != nil {
		e.logger.Debug("circuit: malformed circuit_signaling", "err", err)
		return
	}
	if msg.TargetNodeID != e.reg.PeerID() {
		return
	}
	payload, err := e.decryptSignaling(msg)
	if err != nil {
		e.logger.Debug("circuit: undecryptable circuit_signaling", "err", err)
		return
	}
	switch payload.Kind {
	case wireframe.CircuitSignalingKindEstablish:
		e.handleEstablish(ctx, msg.NodeID, payload.Record)
	case wireframe.CircuitSignalingKindConfirm:
		e.handleConfirm(payload.Confirmation)
	default:
		e.logger.Debug("circuit: unknown circuit_signaling kind", "kind", payload.Kind)
	}
}

func (e *Engine) newCircuitID() string {
	return uuid.NewString()
}

func (e *Engine) registerPending(circuitID string) chan wireframe.LinkOpenConfirmation {
	waiter := make(chan wireframe.LinkOpenConfirmation, 1)
	e.mu.Lock()
	e.pending[circuitID] = waiter
	e.mu.Unlock()
	return waiter
}

func (e *Engine) clearPending(circuitID string) {
	e.mu.Lock()
	delete(e.pending, circuitID)
	e.mu.Unlock()
}

func (e *Engine) handleConfirm(conf *wireframe.LinkOpenConfirmation) {
	if conf == nil {
		return
	}
	e.mu.Lock()
	waiter := e.pending[conf.CircuitID]
	e.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- *conf:
	default:
	}
}

// Circuit looks up a built circuit by ID.
func (e *Engine) Circuit(circuitID string) (*Circuit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.circuits[circuitID]
	return c, ok
}

// Close tears a circuit down: closes link0, drops the local record. The
// originator never holds ephemeral private key material (spec §3
// resolution, see DESIGN.md); each hop keeps its own in its relay entry for
// the circuit. Close sends nothing to the hops, and no code path removes or
// zeroes a hop's relay entry, so a hop's ephemeral key pair stays in that
// hop's memory after the circuit is closed.
func (e *Engine) Close(circuitID string) error {
	e.mu.Lock()
	c, ok := e.circuits[circuitID]
	delete(e.circuits, circuitID)
	e.mu.Unlock()
	if !ok {
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setStatus(StatusClosed)
	if c.link0 != nil {
		err := c.link0.Close()
		c.link0 = nil
		return err
	}
	return nil
}
