package monitor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/identity"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/registry"
	"github.com/onionmesh/circuitcore/signaling"
	"github.com/onionmesh/circuitcore/wireframe"
)

// bus and pipeLink duplicate circuit package's own test harness (a
// different package, no access to its unexported test types) — an
// in-process broadcast medium standing in for the rendezvous service, and a
// net.Pipe-backed peerlink.Link for in-process hop dialing.
type bus struct {
	mu      sync.Mutex
	inboxes []chan []byte
}

type busTransport struct {
	b      *bus
	self   chan []byte
	closed chan struct{}
}

func (t *busTransport) Send(ctx context.Context, data []byte) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	for _, inbox := range t.b.inboxes {
		if inbox == t.self {
			continue
		}
		select {
		case inbox <- data:
		default:
		}
	}
	return nil
}
func (t *busTransport) Receive() <-chan []byte  { return t.self }
func (t *busTransport) Closed() <-chan struct{} { return t.closed }
func (t *busTransport) Close() error            { return nil }

func (b *bus) join() *busTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	inbox := make(chan []byte, 256)
	b.inboxes = append(b.inboxes, inbox)
	return &busTransport{b: b, self: inbox, closed: make(chan struct{})}
}

type pipeLink struct {
	conn net.Conn
	r    *wireframe.Reader
	w    *wireframe.Writer
}

func newPipeLink(conn net.Conn) *pipeLink {
	return &pipeLink{conn: conn, r: wireframe.NewReader(conn), w: wireframe.NewWriter(conn)}
}

func (p *pipeLink) Reader() *wireframe.Reader     { return p.r }
func (p *pipeLink) Writer() *wireframe.Writer     { return p.w }
func (p *pipeLink) SetDeadline(t time.Time) error { return p.conn.SetDeadline(t) }
func (p *pipeLink) Close() error                  { return p.conn.Close() }
func (p *pipeLink) RemoteAddr() string            { return "pipe" }

// node bundles one participant's registry, adapter, and circuit engine, and
// runs the combined signaling dispatch loop a real binary would run in
// cmd/circuitd: every inbound frame reaches both the registry and the
// circuit engine, since Receive() delivers each frame once and only a
// shared dispatcher can fan it out to both.
type node struct {
	reg    *registry.Registry
	engine *circuit.Engine
}

func newNode(t *testing.T, b *bus, role peermodel.Role, dial circuit.HopDialer, deliver circuit.DeliverFunc) *node {
	t.Helper()
	bt := b.join()
	adapter := signaling.NewAdapter(func(ctx context.Context) (signaling.Transport, error) {
		return bt, nil
	}, nil)
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("adapter.Connect: %v", err)
	}

	id, err := identity.New(identity.WithStartTime(time.Now().Add(-2 * registry.MinUptime)))
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	reg, err := registry.New(adapter, role, id, nil,
		registry.WithInitialLatency(20),
	)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	eng := circuit.New(reg, adapter, dial, deliver, nil)

	n := &node{reg: reg, engine: eng}
	go func() {
		for f := range adapter.Receive() {
			reg.HandleFrame(context.Background(), f)
			eng.HandleFrame(context.Background(), f)
		}
	}()
	return n
}

// dialerFor builds a circuit.HopDialer that, given a peer ID known to
// resolve to one of the nodes in byPeerID, opens an in-process net.Pipe to
// it and spawns that node's ServeLink on the accepting end.
func dialerFor(byPeerID map[string]*node) circuit.HopDialer {
	return func(ctx context.Context, peerID string) (peerlink.Link, error) {
		target, ok := byPeerID[peerID]
		if !ok {
			return nil, context.DeadlineExceeded
		}
		clientConn, serverConn := net.Pipe()
		go target.engine.ServeLink(context.Background(), newPipeLink(serverConn))
		return newPipeLink(clientConn), nil
	}
}

// meshNodes bundles a 3-hop build plus one spare candidate for each role,
// held in reserve for repair/rebuild tests (S3/S4: "the replaced slot must
// reference a peer not previously in the circuit"). Every node's registry
// is cross-seeded with a disjoint-region location, mirroring S1's "five
// admissible peers with disjoint regions" setup; without that, the
// two-per-region diversity cap would starve a role.
type meshNodes struct {
	originator            *node
	entry, spareEntry     *node
	relay, spareRelay     *node
	exit, spareExit       *node
}

func buildMeshWithSpares(t *testing.T) *meshNodes {
	t.Helper()
	b := &bus{}

	// byPeerID is populated after construction; dialerFor closes over it by
	// reference, so every node's dial func sees later entries too.
	byPeerID := map[string]*node{}
	dialer := dialerFor(byPeerID)

	m := &meshNodes{
		entry:      newNode(t, b, peermodel.RoleEntry, dialer, nil),
		spareEntry: newNode(t, b, peermodel.RoleEntry, dialer, nil),
		relay:      newNode(t, b, peermodel.RoleRelay, dialer, nil),
		spareRelay: newNode(t, b, peermodel.RoleRelay, dialer, nil),
		exit:       newNode(t, b, peermodel.RoleExit, dialer, nil),
		spareExit:  newNode(t, b, peermodel.RoleExit, dialer, nil),
		originator: newNode(t, b, peermodel.RoleRelay, dialer, nil),
	}

	all := []*node{m.entry, m.spareEntry, m.relay, m.spareRelay, m.exit, m.spareExit, m.originator}
	for _, n := range all {
		byPeerID[n.reg.PeerID()] = n
	}

	now := time.Now()
	locations := []*peermodel.Location{
		{Latitude: 40, Longitude: -100}, // NA  (entry)
		{Latitude: 50, Longitude: 10},   // EU  (spareEntry)
		{Latitude: 10, Longitude: 100},  // AS  (relay)
		{Latitude: -10, Longitude: -60}, // SA  (spareRelay)
		{Latitude: -20, Longitude: 20},  // AF  (exit)
		{Latitude: -30, Longitude: 140}, // OC  (spareExit)
		{Latitude: -30, Longitude: 140}, // OC  (originator, never a candidate for itself)
	}
	for _, from := range all {
		for j, to := range all {
			if from == to {
				continue
			}
			from.reg.Seed(peermodel.Peer{
				PeerID:    to.reg.PeerID(),
				Role:      to.reg.Self().Role,
				Status:    peermodel.StatusAvailable,
				PublicKey: to.reg.Self().PublicKey,
				Location:  locations[j],
				LastSeen:  now,
			})
		}
	}

	return m
}

// markPeersAvailable re-seeds every peer in the originator's table as
// Available. No node in this harness runs Registry.Run, so each one reports
// its own status as Waiting, and the validation round trips Build makes copy
// that Waiting into the originator's table; a tick would then count no
// Available peers and emit Waiting.
func (m *meshNodes) markPeersAvailable() {
	now := time.Now()
	for _, p := range m.originator.reg.Peers() {
		p.Status = peermodel.StatusAvailable
		p.LastSeen = now
		m.originator.reg.Seed(p)
	}
}
