package registry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/onionmesh/circuitcore/peermodel"
)

const (
	bandwidthSampleWindow   = 5
	bandwidthSampleInterval = 30 * time.Second
	bandwidthTestSize       = 256 * 1024 // 256 KiB
	fallbackBandwidthBPS    = 1 << 20    // 1 MiB/s, spec §4.3's final fallback
)

// Capabilities returns the local node's last-observed capabilities (spec
// §4.3), used both to populate node_announcement/validation responses and
// as the snapshot external callers read (spec §5: "external reads return a
// consistent snapshot").
func (r *Registry) Capabilities() peermodel.Capabilities {
	r.capMu.Lock()
	defer r.capMu.Unlock()

	bw := float64(fallbackBandwidthBPS)
	if len(r.bwSamples) > 0 {
		var sum float64
		for _, s := range r.bwSamples {
			sum += s
		}
		bw = sum / float64(len(r.bwSamples))
	}

	latency := r.lastLatencyMS
	if latency == 0 {
		latency = math.Inf(1) // unmeasured, spec's "initially unknown"
	}

	return peermodel.Capabilities{
		MaxBandwidthBPS: bw,
		LatencyMS:       latency,
		Reliability:     r.reliability(),
		UptimeMS:        time.Since(r.startTime).Milliseconds(),
	}
}

func (r *Registry) reliability() float64 {
	if r.transfers == 0 {
		return 1.0 // spec §4.3: "1.0 when no transfers have occurred"
	}
	return float64(r.successes) / float64(r.transfers)
}

// RecordTransfer updates the reliability counters (spec §4.3 "Reliability:
// successful_transfers / max(1, total_transfers)").
func (r *Registry) RecordTransfer(success bool) {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	r.transfers++
	if success {
		r.successes++
	}
}

func (r *Registry) recordLatency(ms float64) {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	r.lastLatencyMS = ms
}

// MeasureBandwidth times transfer, which the caller implements as a
// transient peer-link round trip moving a bandwidthTestSize buffer (spec
// §4.3 "Bandwidth"). Samples are smoothed over the last five, taken at
// most once per 30 s; a call inside that window is a no-op, not an error.
func (r *Registry) MeasureBandwidth(ctx context.Context, transfer func(ctx context.Context) error) error {
	r.capMu.Lock()
	if time.Since(r.lastBWSample) < bandwidthSampleInterval && !r.lastBWSample.IsZero() {
		r.capMu.Unlock()
		return nil
	}
	r.capMu.Unlock()

	start := time.Now()
	if err := transfer(ctx); err != nil {
		return fmt.Errorf("registry: bandwidth measurement: %w", err)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return nil
	}
	bps := float64(bandwidthTestSize) / elapsed

	r.capMu.Lock()
	r.bwSamples = append(r.bwSamples, bps)
	if len(r.bwSamples) > bandwidthSampleWindow {
		r.bwSamples = r.bwSamples[len(r.bwSamples)-bandwidthSampleWindow:]
	}
	r.lastBWSample = time.Now()
	r.capMu.Unlock()
	return nil
}
