package registry

import (
	"context"
	"crypto/rand"
	"math/big"
	"sort"
	"time"

	"github.com/onionmesh/circuitcore/peermodel"
)

const (
	regionalDiversityCap = 2
	topCandidatesPerSlot = 3
)

type scoredPeer struct {
	peer   peermodel.Peer
	score  float64
	region peermodel.Region
}

// SuitableRelays returns n validated peers ordered Entry, Relay…, Exit
// (spec §4.3 "Candidate selection"), honoring exclude by dropping those
// peer IDs from the candidate pool before scoring (spec §4.4 build
// algorithm step 2: "Request N ranked candidates from C3, honoring
// exclude"). An empty result means the caller should treat this as
// "insufficient peers" — it never returns a partial path.
func (r *Registry) SuitableRelays(ctx context.Context, n int, exclude map[string]bool) []peermodel.Peer {
	if n < 1 {
		return nil
	}

	candidates := r.validatedCandidates(ctx)
	if len(exclude) > 0 {
		filtered := candidates[:0]
		for _, p := range candidates {
			if !exclude[p.PeerID] {
				filtered = append(filtered, p)
			}
		}
		candidates = filtered
	}
	scored := scoreAndClassify(candidates)
	scored = enforceRegionalDiversity(scored)

	slots := slotRoles(n)
	picked := make([]peermodel.Peer, 0, n)
	used := make(map[string]bool, n)

	for _, role := range slots {
		var pool []scoredPeer
		for _, sp := range scored {
			if used[sp.peer.PeerID] || sp.peer.Role != role {
				continue
			}
			pool = append(pool, sp)
		}
		if len(pool) == 0 {
			return nil // slot cannot be filled
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
		if len(pool) > topCandidatesPerSlot {
			pool = pool[:topCandidatesPerSlot]
		}

		idx, err := uniformRandomIndex(len(pool))
		if err != nil {
			return nil
		}
		chosen := pool[idx].peer
		used[chosen.PeerID] = true
		picked = append(picked, chosen)
	}

	return picked
}

// slotRoles produces the ordered role sequence for an n-hop circuit:
// Entry, Relay * (n-2), Exit. A single-hop circuit is just Entry.
func slotRoles(n int) []peermodel.Role {
	if n == 1 {
		return []peermodel.Role{peermodel.RoleEntry}
	}
	slots := make([]peermodel.Role, n)
	slots[0] = peermodel.RoleEntry
	slots[n-1] = peermodel.RoleExit
	for i := 1; i < n-1; i++ {
		slots[i] = peermodel.RoleRelay
	}
	return slots
}

// validatedCandidates filters to peers seen within the staleness window
// that currently pass Validate, run concurrently since each validation is
// an independent round trip (same fan-out idiom as crypto.GenerateCircuitKeys).
func (r *Registry) validatedCandidates(ctx context.Context) []peermodel.Peer {
	now := time.Now()
	var fresh []peermodel.Peer
	for _, p := range r.Peers() {
		if !p.Stale(now, StalenessWindow) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	type result struct {
		peer peermodel.Peer
		ok   bool
	}
	results := make(chan result, len(fresh))
	for _, p := range fresh {
		go func(p peermodel.Peer) {
			ok, err := r.Validate(ctx, p.PeerID)
			results <- result{peer: p, ok: err == nil && ok}
		}(p)
	}

	out := make([]peermodel.Peer, 0, len(fresh))
	for range fresh {
		res := <-results
		if res.ok {
			out = append(out, res.peer)
		}
	}
	return out
}

func scoreAndClassify(peers []peermodel.Peer) []scoredPeer {
	out := make([]scoredPeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, scoredPeer{
			peer:   p,
			score:  scoreOf(p),
			region: peermodel.ClassifyRegion(p.Location),
		})
	}
	return out
}

// scoreOf implements spec §4.3's weighted sum.
func scoreOf(p peermodel.Peer) float64 {
	const mibPerSec = 1 << 20
	const oneDay = 24 * time.Hour

	bwTerm := min1(p.Capabilities.MaxBandwidthBPS / mibPerSec)
	latencyTerm := max0(1 - p.Capabilities.LatencyMS/1000.0)
	uptimeTerm := min1(float64(p.Capabilities.UptimeMS) / float64(oneDay.Milliseconds()))

	return 0.3*bwTerm + 0.2*latencyTerm + 0.3*p.Capabilities.Reliability + 0.2*uptimeTerm
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// enforceRegionalDiversity keeps at most regionalDiversityCap peers per
// region, preferring the highest-scored ones (spec §4.3 step 3).
func enforceRegionalDiversity(scored []scoredPeer) []scoredPeer {
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	counts := make(map[peermodel.Region]int)
	out := make([]scoredPeer, 0, len(scored))
	for _, sp := range scored {
		if counts[sp.region] >= regionalDiversityCap {
			continue
		}
		counts[sp.region]++
		out = append(out, sp)
	}
	return out
}

// uniformRandomIndex picks uniformly among [0, n) using crypto/rand, the
// same unbiased-selection idiom pathselect.weightedRandom uses for its
// degenerate all-zero-weight case.
func uniformRandomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if n == 1 {
		return 0, nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
