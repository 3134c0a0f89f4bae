package circuit

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/onionmesh/circuitcore/identity"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/registry"
	"github.com/onionmesh/circuitcore/signaling"
	"github.com/onionmesh/circuitcore/wireframe"
)

// bus is an in-process broadcast medium standing in for the rendezvous
// service: every message sent by one participant's transport is delivered
// to every other participant's inbox, mirroring a shared signaling channel
// without a real network hop (same spirit as registry's loopbackTransport,
// extended to more than one party).
type bus struct {
	mu     sync.Mutex
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

// pipeLink adapts a net.Conn (here, one end of a net.Pipe) to peerlink.Link
// for in-process tests, the way peerlink.TLSLink adapts a *tls.Conn.
type pipeLink struct {
	conn net.Conn
	r    *wireframe.Reader
	w    *wireframe.Writer
}

func newPipeLink(conn net.Conn) *pipeLink {
	return &pipeLink{conn: conn, r: wireframe.NewReader(conn), w: wireframe.NewWriter(conn)}
}

func (p *pipeLink) Reader() *wireframe.Reader   { return p.r }
func (p *pipeLink) Writer() *wireframe.Writer   { return p.w }
func (p *pipeLink) SetDeadline(t time.Time) error { return p.conn.SetDeadline(t) }
func (p *pipeLink) Close() error                { return p.conn.Close() }
func (p *pipeLink) RemoteAddr() string          { return "pipe" }

// node bundles one participant's registry, adapter, and circuit engine, and
// runs the combined signaling dispatch loop a real binary would run in
// cmd/circuitd: every inbound frame reaches both the registry and the
// circuit engine, since Receive() delivers each frame once and only a
// shared dispatcher can fan it out to both.
type node struct {
	reg    *registry.Registry
	engine *Engine
	adapter *signaling.Adapter
}

func newNode(t *testing.T, b *bus, role peermodel.Role, dial HopDialer, deliver DeliverFunc) *node {
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

	eng := New(reg, adapter, dial, deliver, nil)

	n := &node{reg: reg, engine: eng, adapter: adapter}
	go n.dispatch()
	return n
}

func (n *node) dispatch() {
	for f := range n.adapter.Receive() {
		n.reg.HandleFrame(context.Background(), f)
		n.engine.HandleFrame(context.Background(), f)
	}
}

// dialerFor builds a HopDialer that, given a peer ID known to resolve to one
// of the nodes in byPeerID, opens an in-process net.Pipe to it and spawns
// that node's ServeLink on the accepting end — standing in for a real TLS
// dial/accept over the network (spec §6 peer-link direction).
func dialerFor(byPeerID map[string]*node) HopDialer {
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

