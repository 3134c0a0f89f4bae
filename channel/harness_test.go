package channel

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

// bus and pipeLink duplicate circuit/monitor's own test harnesses (a
// different package, no access to their unexported test types).
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

type node struct {
	reg    *registry.Registry
	engine *circuit.Engine
	router *Router
}

func newNode(t *testing.T, b *bus, role peermodel.Role, dial circuit.HopDialer) *node {
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

	router := NewRouter()
	eng := circuit.New(reg, adapter, dial, router.Deliver, nil)

	n := &node{reg: reg, engine: eng, router: router}
	go func() {
		for f := range adapter.Receive() {
			reg.HandleFrame(context.Background(), f)
			eng.HandleFrame(context.Background(), f)
		}
	}()
	return n
}

// dialerFor builds a circuit.HopDialer against the node set, mirroring
// circuit/harness_test.go's dialerFor.
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

// buildThreeHopMesh wires up an originator plus entry/relay/exit candidates,
// each seeded with a disjoint region so the 2-per-region diversity cap
// never starves a role slot (mirrors circuit_test.go's own fix for the
// same pitfall).
func buildThreeHopMesh(t *testing.T) (originator, entry, relay, exit *node) {
	t.Helper()
	b := &bus{}

	// byPeerID is populated after construction; dialerFor closes over it by
	// reference, so every node's dial func sees later entries too.
	byPeerID := map[string]*node{}
	dialer := dialerFor(byPeerID)

	entry = newNode(t, b, peermodel.RoleEntry, dialer)
	relay = newNode(t, b, peermodel.RoleRelay, dialer)
	exit = newNode(t, b, peermodel.RoleExit, dialer)
	originator = newNode(t, b, peermodel.RoleRelay, dialer)

	for _, n := range []*node{entry, relay, exit, originator} {
		byPeerID[n.reg.PeerID()] = n
	}

	now := time.Now()
	locations := []*peermodel.Location{
		{Latitude: 40, Longitude: -100},
		{Latitude: 50, Longitude: 10},
		{Latitude: 10, Longitude: 100},
		{Latitude: -10, Longitude: -60},
	}
	all := []*node{entry, relay, exit, originator}
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

	return originator, entry, relay, exit
}
