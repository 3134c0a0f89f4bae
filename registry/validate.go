package registry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/wireframe"
)

// Admissibility thresholds, spec §4.3 "Validation": a peer is admissible
// iff all four hold.
const (
	MinBandwidthBPS = 50 * 1024 // 50 KiB/s
	MaxLatencyMS    = 1000.0
	MinUptime       = 5 * time.Minute
	MinReliability  = 0.8
)

// Validate sends a node_validation request and blocks for the response,
// bounded by a 5 s timeout (spec §4.3). It reports whether the peer is
// admissible by the four thresholds above.
func (r *Registry) Validate(ctx context.Context, peerID string) (bool, error) {
	self := r.Self()

	waiter := make(chan wireframe.NodeValidationResponse, 1)
	r.mu.Lock()
	r.validationWaiters[peerID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.validationWaiters, peerID)
		r.mu.Unlock()
	}()

	req := wireframe.NodeValidation{
		Type:         wireframe.TypeNodeValidation,
		NodeID:       self.PeerID,
		TargetNodeID: peerID,
		Timestamp:    time.Now().UnixMilli(),
	}
	frame, err := wireframe.Encode(wireframe.TypeNodeValidation, req)
	if err != nil {
		return false, fmt.Errorf("registry: encode validation request: %w", err)
	}
	if err := r.adapter.Send(ctx, frame); err != nil {
		return false, fmt.Errorf("registry: send validation request: %w", err)
	}

	select {
	case resp := <-waiter:
		return admissible(resp.Capabilities, r.startTimeOf(peerID)), nil
	case <-time.After(ValidationTimeout):
		return false, circuiterr.Timeout("validate")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Registry) startTimeOf(peerID string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.peers[peerID]; ok {
		return time.Duration(p.Capabilities.UptimeMS) * time.Millisecond
	}
	return 0
}

func admissible(caps wireframe.CapabilitiesWire, uptime time.Duration) bool {
	return caps.MaxBandwidthBPS >= MinBandwidthBPS &&
		caps.LatencyMS <= MaxLatencyMS &&
		uptime >= MinUptime &&
		caps.Reliability >= MinReliability
}

// MeasureLatency pings peerID and waits for the echoed pong, reporting the
// round-trip time in milliseconds or +Inf on a 5 s timeout (spec §4.3
// "Latency"). The result is recorded as this node's own latency, which the
// local capabilities and Validate responses report, and is returned to the
// caller; the pinged peer's table entry is not updated.
func (r *Registry) MeasureLatency(ctx context.Context, peerID string) (float64, error) {
	self := r.Self()

	waiter := make(chan wireframe.NodePong, 1)
	r.mu.Lock()
	r.pingWaiters[peerID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pingWaiters, peerID)
		r.mu.Unlock()
	}()

	sentAt := time.Now()
	ping := wireframe.NodePing{
		Type:         wireframe.TypeNodePing,
		NodeID:       self.PeerID,
		TargetNodeID: peerID,
		Timestamp:    sentAt.UnixMilli(),
	}
	frame, err := wireframe.Encode(wireframe.TypeNodePing, ping)
	if err != nil {
		return 0, fmt.Errorf("registry: encode ping: %w", err)
	}
	if err := r.adapter.Send(ctx, frame); err != nil {
		return 0, fmt.Errorf("registry: send ping: %w", err)
	}

	select {
	case <-waiter:
		rtt := time.Since(sentAt)
		ms := float64(rtt.Microseconds()) / 1000.0
		r.recordLatency(ms)
		return ms, nil
	case <-time.After(PingTimeout):
		r.recordLatency(math.Inf(1))
		return math.Inf(1), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// newDiscoveryRequestID is used when broadcasting node_discovery requests.
func newDiscoveryRequestID() string {
	return uuid.NewString()
}
