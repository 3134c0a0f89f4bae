package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/registry"
)

// ReplaceHop re-establishes hop idx and every hop after it with fresh
// peers, leaving the hops before idx untouched (the Open Question in
// spec.md §9, resolved as a suffix rebuild — see DESIGN.md). If idx == 0,
// links[0] is redialed against the new first hop.
func (e *Engine) ReplaceHop(ctx context.Context, circuitID string, idx int) error {
	c, ok := e.Circuit(circuitID)
	if !ok {
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	hops := c.hopsSnapshot()
	if idx < 0 || idx >= len(hops) {
		return fmt.Errorf("circuit: replace index %d out of range [0,%d)", idx, len(hops))
	}
	c.setStatus(StatusRepairing)

	exclude := make(map[string]bool, len(hops))
	for _, h := range hops {
		exclude[h.PeerID] = true
	}

	newPeers := make([]peermodel.Peer, len(hops)-idx)
	for pos := idx; pos < len(hops); pos++ {
		p, err := e.pickReplacement(ctx, hops[pos].Role, exclude)
		if err != nil {
			c.setStatus(StatusFailed)
			return circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}
		exclude[p.PeerID] = true
		newPeers[pos-idx] = p
	}

	for pos := idx; pos < len(hops); pos++ {
		p := newPeers[pos-idx]
		var prevID string
		if pos > 0 {
			if pos-1 < idx {
				prevID = hops[pos-1].PeerID
			} else {
				prevID = newPeers[pos-1-idx].PeerID
			}
		}
		var nextID string
		if pos < len(hops)-1 {
			nextID = newPeers[pos+1-idx].PeerID
		}

		conf, err := e.establishHop(ctx, circuitID, pos, p, prevID, nextID)
		if err != nil {
			c.setStatus(StatusFailed)
			return circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}
		ephPub, err := decodeSPKIPublicKey(conf.EphemeralPublicKey)
		if err != nil {
			c.setStatus(StatusFailed)
			return circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}
		c.setHop(pos, Hop{PeerID: p.PeerID, Role: p.Role, EphemeralPublicKey: ephPub})
	}

	if idx == 0 {
		c.rmu.Lock()
		oldLink := c.link0
		c.rmu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, HopEstablishTimeout)
		newLink, err := e.dial(dialCtx, newPeers[0].PeerID)
		cancel()
		if err != nil {
			c.setStatus(StatusFailed)
			return circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}
		c.rmu.Lock()
		c.link0 = newLink
		c.rmu.Unlock()
		if oldLink != nil {
			oldLink.Close()
		}
	}

	c.setStatus(StatusReady)
	return nil
}

// pickReplacement finds one validated, non-excluded peer for role. Unlike
// registry.SuitableRelays (which selects a whole ranked N-hop path at
// once), a single-hop replacement only needs one admissible candidate —
// grounded on circuit.Extend's single relayInfo-per-call shape.
func (e *Engine) pickReplacement(ctx context.Context, role peermodel.Role, exclude map[string]bool) (peermodel.Peer, error) {
	now := time.Now()
	for _, p := range e.reg.Peers() {
		if p.Role != role || exclude[p.PeerID] {
			continue
		}
		if p.Stale(now, registry.StalenessWindow) {
			continue
		}
		ok, err := e.reg.Validate(ctx, p.PeerID)
		if err != nil || !ok {
			continue
		}
		return p, nil
	}
	return peermodel.Peer{}, circuiterr.ErrInsufficientPeers
}
