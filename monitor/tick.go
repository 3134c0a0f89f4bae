package monitor

import (
	"context"

	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/registry"
)

// tick runs one evaluation cycle for circuitID (spec §4.5).
//
// Degraded is emitted as an interim notification the moment any hop is
// unhealthy but the count stays at or below the repair threshold — before
// the targeted replacement is attempted in the same cycle. A replacement
// that fails to find a candidate does not fail the circuit outright (spec
// §4.4's Repairing→Failed edge is for the build-time contract); per §4.5's
// decision step it instead escalates to a full Rebuild.
func (m *Monitor) tick(ctx context.Context, circuitID string) {
	if m.countAvailablePeers() < registry.MinNodesRequired {
		m.emit(circuitID, StatusWaiting, Details{})
		return
	}

	c, ok := m.engine.Circuit(circuitID)
	if !ok {
		return
	}
	hopIDs := c.HopIDs()
	n := len(hopIDs)
	if n == 0 {
		return
	}

	details := m.classify(ctx, hopIDs)
	m.recordMetrics(ctx, circuitID, details)

	threshold := n / 3
	unhealthy := len(details.UnhealthyPeerIDs)

	switch {
	case unhealthy == 0:
		_ = m.engine.SetStatus(circuitID, circuit.StatusReady)
		m.emit(circuitID, StatusReady, details)

	case unhealthy > threshold:
		m.rebuild(ctx, circuitID, n, details)

	default:
		_ = m.engine.SetStatus(circuitID, circuit.StatusDegraded)
		m.emit(circuitID, StatusDegraded, details)

		idx := minHopIndex(hopIDs, details.UnhealthyPeerIDs)
		if err := m.engine.ReplaceHop(ctx, circuitID, idx); err != nil {
			m.logger.Warn("monitor: targeted replacement failed, escalating to rebuild",
				"circuitId", circuitID, "err", err)
			m.rebuild(ctx, circuitID, n, details)
			return
		}
		m.emit(circuitID, StatusReady, details)
	}
}

func (m *Monitor) rebuild(ctx context.Context, circuitID string, n int, details Details) {
	m.emit(circuitID, StatusRebuilding, details)

	exclude := make(map[string]bool, len(details.UnhealthyPeerIDs))
	for _, id := range details.UnhealthyPeerIDs {
		exclude[id] = true
	}
	if err := m.engine.Rebuild(ctx, circuitID, n, exclude); err != nil {
		m.logger.Warn("monitor: rebuild failed", "circuitId", circuitID, "err", err)
		m.emit(circuitID, StatusFailed, details)
		return
	}
	m.emit(circuitID, StatusReady, details)
}

func minHopIndex(hopIDs, unhealthy []string) int {
	set := make(map[string]bool, len(unhealthy))
	for _, id := range unhealthy {
		set[id] = true
	}
	for i, id := range hopIDs {
		if set[id] {
			return i
		}
	}
	return 0
}
