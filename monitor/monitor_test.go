package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/peermodel"
)

type emission struct {
	status  Status
	details Details
}

func collectEmissions(m *Monitor) *[]emission {
	var got []emission
	m.AddListener(func(circuitID string, status Status, details Details) {
		got = append(got, emission{status: status, details: details})
	})
	return &got
}

func TestTickAllHealthyEmitsReady(t *testing.T) {
	mesh := buildMeshWithSpares(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := mesh.originator.engine.Build(ctx, 3, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mesh.markPeersAvailable()

	m := New(mesh.originator.reg, mesh.originator.engine, time.Hour, nil, nil)
	got := collectEmissions(m)

	m.tick(ctx, c.ID)

	if len(*got) != 1 {
		t.Fatalf("expected exactly one emission, got %d: %+v", len(*got), *got)
	}
	e := (*got)[0]
	if e.status != StatusReady {
		t.Fatalf("expected Ready, got %s", e.status)
	}
	if e.details.Healthy != 3 || e.details.Total != 3 {
		t.Fatalf("expected 3/3 healthy, got %+v", e.details)
	}
	if c.Status() != circuit.StatusReady {
		t.Fatalf("expected circuit to remain Ready, got %s", c.Status())
	}
}

func TestTickWaitingWhenInsufficientPeers(t *testing.T) {
	mesh := buildMeshWithSpares(t)

	// A node with nothing seeded in its own registry never sees enough
	// Available peers network-wide, regardless of any circuit's own state.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lonely := newNode(t, &bus{}, mesh.originator.reg.Self().Role, nil, nil)
	m := New(lonely.reg, lonely.engine, time.Hour, nil, nil)
	got := collectEmissions(m)

	m.tick(ctx, "nonexistent-circuit")

	if len(*got) != 1 {
		t.Fatalf("expected exactly one emission, got %d: %+v", len(*got), *got)
	}
	if (*got)[0].status != StatusWaiting {
		t.Fatalf("expected Waiting, got %s", (*got)[0].status)
	}
}

func TestTickRepairsMinorityUnhealthyHop(t *testing.T) {
	mesh := buildMeshWithSpares(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := mesh.originator.engine.Build(ctx, 3, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mesh.markPeersAvailable()
	before := c.HopIDs()
	exitID := before[2]

	// Mark the exit hop Offline without touching anyone else — a minority
	// failure (1 of 3, threshold ⌊3/3⌋=1) that should repair in place.
	// ReplaceHop rebuilds idx and everything after it, so only marking the
	// last hop unhealthy lets the test assert the earlier hops stay put.
	p, ok := mesh.originator.reg.Peer(exitID)
	if !ok {
		t.Fatalf("exit peer %s not found", exitID)
	}
	p.Status = peermodel.StatusOffline
	mesh.originator.reg.Seed(p)

	m := New(mesh.originator.reg, mesh.originator.engine, time.Hour, nil, nil)
	got := collectEmissions(m)

	m.tick(ctx, c.ID)

	if len(*got) < 2 {
		t.Fatalf("expected at least Degraded then Ready, got %d: %+v", len(*got), *got)
	}
	if (*got)[0].status != StatusDegraded {
		t.Fatalf("expected first emission Degraded, got %s", (*got)[0].status)
	}
	last := (*got)[len(*got)-1]
	if last.status != StatusReady {
		t.Fatalf("expected final emission Ready, got %s (full history %+v)", last.status, *got)
	}

	after := c.HopIDs()
	if after[2] == exitID {
		t.Fatalf("expected exit hop to be replaced, still %s", exitID)
	}
	if after[0] != before[0] || after[1] != before[1] {
		t.Fatalf("expected entry/relay hops untouched by a suffix rebuild starting at the last index: before=%v after=%v", before, after)
	}
	if c.Status() != circuit.StatusReady {
		t.Fatalf("expected circuit Ready after repair, got %s", c.Status())
	}
}

func TestTickRebuildsOnMajorityUnhealthy(t *testing.T) {
	mesh := buildMeshWithSpares(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := mesh.originator.engine.Build(ctx, 3, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mesh.markPeersAvailable()
	before := c.HopIDs()
	originalID := c.ID

	for _, id := range before[:2] {
		p, ok := mesh.originator.reg.Peer(id)
		if !ok {
			t.Fatalf("peer %s not found", id)
		}
		p.Status = peermodel.StatusOffline
		mesh.originator.reg.Seed(p)
	}

	m := New(mesh.originator.reg, mesh.originator.engine, time.Hour, nil, nil)
	got := collectEmissions(m)

	m.tick(ctx, c.ID)

	foundRebuilding := false
	for _, e := range *got {
		if e.status == StatusRebuilding {
			foundRebuilding = true
		}
	}
	if !foundRebuilding {
		t.Fatalf("expected a Rebuilding emission, got %+v", *got)
	}
	last := (*got)[len(*got)-1]
	if last.status != StatusReady {
		t.Fatalf("expected final emission Ready, got %s (full history %+v)", last.status, *got)
	}

	if c.ID != originalID {
		t.Fatalf("expected circuit identity preserved across rebuild, got new id %s", c.ID)
	}
	after := c.HopIDs()
	for _, id := range before[:2] {
		for _, a := range after {
			if a == id {
				t.Fatalf("rebuilt circuit still references a previously unhealthy peer %s: %v", id, after)
			}
		}
	}
}
