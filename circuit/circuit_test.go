package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/peermodel"
)

// buildThreeHopMesh wires four nodes on a shared signaling bus — an
// originator plus one peer for each of Entry, Relay, Exit — cross-seeds
// their registries (standing in for the announcement exchange each would
// otherwise need to complete first), and wires every node's HopDialer to
// every other node via in-process net.Pipe links.
func buildThreeHopMesh(t *testing.T) (originator *node, entry, relay, exit *node, delivered chan []byte) {
	t.Helper()
	b := &bus{}
	delivered = make(chan []byte, 4)

	entry = newNode(t, b, peermodel.RoleEntry, nil, nil)
	relay = newNode(t, b, peermodel.RoleRelay, nil, nil)
	exit = newNode(t, b, peermodel.RoleExit, nil, func(circuitID string, plaintext []byte) {
		delivered <- plaintext
	})
	originator = newNode(t, b, peermodel.RoleRelay, nil, nil)

	byPeerID := map[string]*node{
		entry.reg.PeerID():  entry,
		relay.reg.PeerID():  relay,
		exit.reg.PeerID():   exit,
		originator.reg.PeerID(): originator,
	}
	dialer := dialerFor(byPeerID)
	entry.engine.dial = dialer
	relay.engine.dial = dialer
	exit.engine.dial = dialer
	originator.engine.dial = dialer

	now := time.Now()
	all := []*node{entry, relay, exit, originator}
	// Disjoint regions, mirroring S1's "five admissible peers with disjoint
	// regions" setup — same-region peers would otherwise collide against
	// the two-per-region diversity cap (spec §4.3 step 3) and starve a role.
	locations := []*peermodel.Location{
		{Latitude: 40, Longitude: -100},  // NA
		{Latitude: 50, Longitude: 10},    // EU
		{Latitude: 10, Longitude: 100},   // AS
		{Latitude: -10, Longitude: -60},  // SA
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

	return originator, entry, relay, exit, delivered
}

func TestBuildEstablishesReadyCircuit(t *testing.T) {
	originator, entry, relay, exit, _ := buildThreeHopMesh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exclude := map[string]bool{
		originator.reg.PeerID(): true,
	}
	c, err := originator.engine.Build(ctx, 3, exclude)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Status() != StatusReady {
		t.Fatalf("expected Ready, got %s", c.Status())
	}

	hopIDs := c.HopIDs()
	if len(hopIDs) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(hopIDs))
	}
	want := map[string]bool{entry.reg.PeerID(): true, relay.reg.PeerID(): true, exit.reg.PeerID(): true}
	for _, id := range hopIDs {
		if !want[id] {
			t.Fatalf("unexpected hop id %s", id)
		}
	}

	for _, h := range c.hopsSnapshot() {
		if h.EphemeralPublicKey == nil {
			t.Fatalf("hop %s missing ephemeral public key", h.PeerID)
		}
	}
}

func TestSendDeliversPlaintextToExit(t *testing.T) {
	originator, _, _, _, delivered := buildThreeHopMesh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := originator.engine.Build(ctx, 3, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	payload := []byte("hello through the mesh")
	if err := c.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-delivered:
		if string(got) != string(payload) {
			t.Fatalf("expected %q, got %q", payload, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit delivery")
	}
}

func TestSendOnNotReadyCircuitFails(t *testing.T) {
	c := &Circuit{ID: "unready", status: StatusBuilding}
	err := c.Send(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected error sending on a non-Ready circuit")
	}
	cerr, ok := err.(*circuiterr.Error)
	if !ok || cerr.Kind != circuiterr.KindCircuitNotReady {
		t.Fatalf("expected KindCircuitNotReady, got %v", err)
	}
}

func TestBuildFailsWithInsufficientPeers(t *testing.T) {
	originator, _, _, _, _ := buildThreeHopMesh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Excluding every seeded peer leaves nothing to satisfy n=3.
	exclude := map[string]bool{}
	for _, p := range originator.reg.Peers() {
		exclude[p.PeerID] = true
	}
	_, err := originator.engine.Build(ctx, 3, exclude)
	if err == nil {
		t.Fatal("expected ErrInsufficientPeers")
	}
}

func TestCloseIsIdempotentAndClosesLink(t *testing.T) {
	originator, _, _, _, _ := buildThreeHopMesh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := originator.engine.Build(ctx, 3, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := originator.engine.Close(c.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Status() != StatusClosed {
		t.Fatalf("expected Closed, got %s", c.Status())
	}

	if err := originator.engine.Close(c.ID); err == nil {
		t.Fatal("expected error closing an already-closed circuit id")
	}

	if _, ok := originator.engine.Circuit(c.ID); ok {
		t.Fatal("expected circuit to be removed from the engine after Close")
	}
}
