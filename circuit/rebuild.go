package circuit

import (
	"context"

	"github.com/onionmesh/circuitcore/circuiterr"
)

// SetStatus lets an external supervisor — the circuit monitor — push a
// circuit through states it alone is responsible for classifying (Degraded,
// Repairing, Rebuilding; spec §4.5), without otherwise touching the
// circuit's hops or link.
func (e *Engine) SetStatus(circuitID string, s Status) error {
	c, ok := e.Circuit(circuitID)
	if !ok {
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}
	c.setStatus(s)
	return nil
}

// Rebuild replaces every hop of circuitID with a freshly built n-hop path,
// preserving the circuit_id a caller already holds a handle to (spec §4.5
// step 5: "swap circuit reference... identity preserved from caller's
// view"). Internally this builds a throwaway circuit via Build, adopts its
// hops and peer link into the existing Circuit value, and discards the
// throwaway's own bookkeeping entry.
func (e *Engine) Rebuild(ctx context.Context, circuitID string, n int, exclude map[string]bool) error {
	c, ok := e.Circuit(circuitID)
	if !ok {
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setStatus(StatusRebuilding)

	fresh, err := e.Build(ctx, n, exclude)
	if err != nil {
		c.setStatus(StatusFailed)
		return circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
	}

	fresh.rmu.RLock()
	newHops := make([]Hop, len(fresh.Hops))
	copy(newHops, fresh.Hops)
	newLink := fresh.link0
	fresh.rmu.RUnlock()

	c.rmu.Lock()
	oldLink := c.link0
	c.Hops = newHops
	c.link0 = newLink
	c.rmu.Unlock()

	e.mu.Lock()
	delete(e.circuits, fresh.ID)
	e.mu.Unlock()

	if oldLink != nil {
		oldLink.Close()
	}
	c.setStatus(StatusReady)
	return nil
}
