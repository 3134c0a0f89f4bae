// Package monitor runs the per-circuit health loop (spec §4.5): on a fixed
// period it classifies each hop healthy or unhealthy, decides between a
// targeted repair and a full rebuild, and notifies listeners of status
// transitions.
//
// Grounded on PTHyperdrive-Hoshizora-RSW/go-node/node.go's pingLoop: a
// goroutine wrapping a time.Ticker in a select against ctx.Done(), the same
// shape generalized from "ping every peer" to "evaluate every hop."
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/registry"
)

// DefaultPeriod is spec.md §4.5's default tick interval.
const DefaultPeriod = 5 * time.Second

// Status is the vocabulary monitor listeners observe. It mirrors
// circuit.Status for the states the circuit engine itself tracks, plus
// Waiting — a monitor-only state (insufficient Available peers network-wide)
// that never becomes a circuit.Status, since the circuit being watched may
// still be perfectly Ready while the network at large is thin.
type Status string

const (
	StatusWaiting    Status = "Waiting"
	StatusReady      Status = Status(circuit.StatusReady)
	StatusDegraded   Status = Status(circuit.StatusDegraded)
	StatusRepairing  Status = Status(circuit.StatusRepairing)
	StatusRebuilding Status = Status(circuit.StatusRebuilding)
	StatusFailed     Status = Status(circuit.StatusFailed)
)

// Details is the aggregate health snapshot computed each tick (spec §4.5
// step 4). MinHealthyBandwidthBPS is 0 when there are no healthy hops.
type Details struct {
	Total                   int
	Healthy                 int
	AvgHealthyLatencyMS     float64
	MinHealthyBandwidthBPS  float64
	UnhealthyPeerIDs        []string
}

// Listener receives one (status, details) tuple per transition a tick
// decides to emit. The listener set may be mutated concurrently with
// emission (spec §4.5): AddListener is safe to call from another goroutine
// while Run is active. There is no way to remove a listener once added.
type Listener func(circuitID string, status Status, details Details)

// Monitor watches one or more circuits owned by the same Engine, reusing the
// Registry it also draws candidate peers from.
type Monitor struct {
	reg    *registry.Registry
	engine *circuit.Engine
	period time.Duration
	logger *slog.Logger

	meter                otelMeterSet
	mu                   sync.RWMutex
	listeners            []Listener
}

type otelMeterSet struct {
	healthyHops   metric.Int64Gauge
	avgLatencyMS  metric.Float64Gauge
	minBandwidth  metric.Float64Gauge
}

// New builds a Monitor. mp may be nil, in which case metrics recording is a
// no-op (no external collector required) — the same posture the teacher
// pack's daemon metrics take toward an unconfigured MeterProvider.
func New(reg *registry.Registry, engine *circuit.Engine, period time.Duration, mp metric.MeterProvider, logger *slog.Logger) *Monitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := mp.Meter("circuitcore.monitor")
	healthyHops, err := meter.Int64Gauge("circuit.hops.healthy",
		metric.WithDescription("Healthy hop count as of the last monitor tick"),
		metric.WithUnit("{hops}"),
	)
	if err != nil {
		healthyHops, _ = noop.NewMeterProvider().Meter("circuitcore.monitor").Int64Gauge("circuit.hops.healthy")
	}
	avgLatencyMS, err := meter.Float64Gauge("circuit.hops.avg_latency_ms",
		metric.WithDescription("Average latency across healthy hops"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		avgLatencyMS, _ = noop.NewMeterProvider().Meter("circuitcore.monitor").Float64Gauge("circuit.hops.avg_latency_ms")
	}
	minBandwidth, err := meter.Float64Gauge("circuit.hops.min_bandwidth_bps",
		metric.WithDescription("Minimum bandwidth across healthy hops"),
		metric.WithUnit("By/s"),
	)
	if err != nil {
		minBandwidth, _ = noop.NewMeterProvider().Meter("circuitcore.monitor").Float64Gauge("circuit.hops.min_bandwidth_bps")
	}

	return &Monitor{
		reg:    reg,
		engine: engine,
		period: period,
		logger: logger,
		meter:  otelMeterSet{healthyHops: healthyHops, avgLatencyMS: avgLatencyMS, minBandwidth: minBandwidth},
	}
}

// AddListener registers l to receive future status emissions.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) emit(circuitID string, status Status, details Details) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l(circuitID, status, details)
	}
}

// Run drives the tick loop for circuitID until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, circuitID string) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx, circuitID)
		}
	}
}

func (m *Monitor) countAvailablePeers() int {
	now := time.Now()
	count := 0
	for _, p := range m.reg.Peers() {
		if p.EffectiveStatus(now, registry.StalenessWindow) == peermodel.StatusAvailable {
			count++
		}
	}
	return count
}

func (m *Monitor) recordMetrics(ctx context.Context, circuitID string, d Details) {
	attrs := metric.WithAttributes(circuitIDAttr(circuitID))
	m.meter.healthyHops.Record(ctx, int64(d.Healthy), attrs)
	m.meter.avgLatencyMS.Record(ctx, d.AvgHealthyLatencyMS, attrs)
	m.meter.minBandwidth.Record(ctx, d.MinHealthyBandwidthBPS, attrs)
}

// classify evaluates every hop of the circuit, returning aggregate health
// (spec §4.5 steps 3-4). A hop is healthy iff its peer entry reports
// Available and Validate succeeds.
func (m *Monitor) classify(ctx context.Context, hopIDs []string) Details {
	d := Details{Total: len(hopIDs)}
	var latSum float64
	minBW := math.Inf(1)

	for _, id := range hopIDs {
		p, ok := m.reg.Peer(id)
		healthy := ok && p.Status == peermodel.StatusAvailable
		if healthy {
			valid, err := m.reg.Validate(ctx, id)
			healthy = err == nil && valid
		}
		if healthy {
			d.Healthy++
			latSum += p.Capabilities.LatencyMS
			if p.Capabilities.MaxBandwidthBPS < minBW {
				minBW = p.Capabilities.MaxBandwidthBPS
			}
		} else {
			d.UnhealthyPeerIDs = append(d.UnhealthyPeerIDs, id)
		}
	}

	if d.Healthy > 0 {
		d.AvgHealthyLatencyMS = latSum / float64(d.Healthy)
		d.MinHealthyBandwidthBPS = minBW
	}
	return d
}
