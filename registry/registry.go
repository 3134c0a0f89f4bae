// Package registry maintains the local view of the network: known peers,
// the local node's own advertised capabilities, and the candidate-selection
// logic circuit building draws on (spec §4.3).
//
// Grounded on PTHyperdrive's PeerStore (an RWMutex-guarded map keyed by
// node ID, upserted on every sighting) generalized from a persisted,
// encrypted snapshot store to the in-memory-only table this spec calls for
// (spec §6: "Persisted state: None required").
package registry

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onionmesh/circuitcore/crypto"
	"github.com/onionmesh/circuitcore/identity"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/signaling"
	"github.com/onionmesh/circuitcore/wireframe"
)

const (
	StalenessWindow      = 30 * time.Second
	AnnounceInterval     = 5 * time.Second
	WaitingPeriod        = 30 * time.Second
	MinNodesRequired     = 2
	ValidationTimeout    = 5 * time.Second
	PingTimeout          = 5 * time.Second
	RoleRotationInterval = 30 * time.Minute
)

// Registry is the local node's view of the network plus its own
// self-advertised identity and measured capabilities.
type Registry struct {
	adapter *signaling.Adapter
	logger  *slog.Logger

	selfKeys  *crypto.KeyPair
	startTime time.Time

	mu                sync.RWMutex
	self              peermodel.Peer
	peers             map[string]*peermodel.Peer
	lastRoleRotation  time.Time
	validationWaiters map[string]chan wireframe.NodeValidationResponse
	pingWaiters       map[string]chan wireframe.NodePong

	capMu         sync.Mutex
	bwSamples     []float64
	lastBWSample  time.Time
	lastLatencyMS float64
	transfers     int64
	successes     int64
}

// Option configures optional aspects of Registry construction.
type Option func(*Registry)

// WithInitialLatency seeds the local node's self-reported latency
// capability, otherwise left at its unmeasured +Inf (spec §4.3 "initially
// unknown") until a MeasureLatency round trip completes.
func WithInitialLatency(ms float64) Option {
	return func(r *Registry) { r.lastLatencyMS = ms }
}

// New builds a Registry around a caller-supplied NodeIdentity (spec.md's
// design notes: "Model as an explicit NodeIdentity value threaded into the
// registry at construction; avoid module-level globals so tests can spin
// multiple logical nodes in one process"). id's StartTime is Capabilities'
// uptime origin.
func New(adapter *signaling.Adapter, roleHint peermodel.Role, id *identity.NodeIdentity, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !roleHint.Valid() {
		roleHint = peermodel.RoleRelay
	}
	if id == nil {
		return nil, fmt.Errorf("registry: nil identity")
	}

	now := time.Now()
	r := &Registry{
		adapter:   adapter,
		logger:    logger,
		selfKeys:  id.Keys,
		startTime: id.StartTime,
		self: peermodel.Peer{
			PeerID:   id.PeerID,
			Role:     roleHint,
			Status:   peermodel.StatusWaiting,
			LastSeen: now,
		},
		peers:             make(map[string]*peermodel.Peer),
		lastRoleRotation:  now,
		validationWaiters: make(map[string]chan wireframe.NodeValidationResponse),
		pingWaiters:       make(map[string]chan wireframe.NodePong),
	}
	r.self.PublicKey = id.Keys.Public
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Self returns a snapshot of the local peer entry.
func (r *Registry) Self() peermodel.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// PeerID is a convenience accessor used throughout the higher layers.
func (r *Registry) PeerID() string {
	return r.Self().PeerID
}

// Keys returns the local long-term key pair.
func (r *Registry) Keys() *crypto.KeyPair {
	return r.selfKeys
}

// Run drives the announcement loop and inbound message dispatch until ctx
// is cancelled (spec §4.3 "Announcement" and "Inbound handling").
func (r *Registry) Run(ctx context.Context) error {
	windowDeadline := time.Now().Add(WaitingPeriod)
	announce := time.NewTicker(AnnounceInterval)
	defer announce.Stop()

	if err := r.sendAnnouncement(ctx); err != nil {
		r.logger.Warn("registry: initial announcement failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-r.adapter.Receive():
			r.HandleFrame(ctx, frame)

		case <-announce.C:
			if r.Self().Status == peermodel.StatusWaiting {
				if err := r.sendAnnouncement(ctx); err != nil {
					r.logger.Warn("registry: announcement failed", "err", err)
				}
				if time.Now().After(windowDeadline) {
					if r.countCandidatePeers() >= MinNodesRequired {
						r.setStatus(peermodel.StatusAvailable)
						r.sendStatus(ctx)
					} else {
						windowDeadline = time.Now().Add(WaitingPeriod)
					}
				}
			} else if time.Since(r.lastRotation()) >= RoleRotationInterval {
				r.rotateRole()
				r.sendStatus(ctx)
			}
		}
	}
}

func (r *Registry) countCandidatePeers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	count := 0
	for _, p := range r.peers {
		status := p.EffectiveStatus(now, StalenessWindow)
		if status == peermodel.StatusWaiting || status == peermodel.StatusAvailable {
			count++
		}
	}
	return count
}

func (r *Registry) setStatus(s peermodel.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self.Status = s
	r.self.LastSeen = time.Now()
}

func (r *Registry) lastRotation() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRoleRotation
}

func (r *Registry) sendAnnouncement(ctx context.Context) error {
	self := r.Self()
	pubDER, err := marshalPublicKey(self.PublicKey)
	if err != nil {
		return err
	}
	msg := wireframe.NodeAnnouncement{
		Type:      wireframe.TypeNodeAnnouncement,
		NodeID:    self.PeerID,
		Role:      string(self.Role),
		Status:    string(self.Status),
		PublicKey: pubDER,
	}
	if self.Location != nil {
		msg.Location = &wireframe.LocationWire{
			Latitude:  self.Location.Latitude,
			Longitude: self.Location.Longitude,
			Accuracy:  self.Location.Accuracy,
		}
	}
	f, err := wireframe.Encode(wireframe.TypeNodeAnnouncement, msg)
	if err != nil {
		return fmt.Errorf("registry: encode announcement: %w", err)
	}
	return r.adapter.Send(ctx, f)
}

func (r *Registry) sendStatus(ctx context.Context) error {
	self := r.Self()
	msg := wireframe.NodeStatus{
		Type:   wireframe.TypeNodeStatus,
		NodeID: self.PeerID,
		Status: string(self.Status),
		Role:   string(self.Role),
	}
	f, err := wireframe.Encode(wireframe.TypeNodeStatus, msg)
	if err != nil {
		return fmt.Errorf("registry: encode status: %w", err)
	}
	return r.adapter.Send(ctx, f)
}

// HandleFrame dispatches one inbound signaling frame by its type. It is
// exported so a node combining the registry with other signaling-bus
// consumers (the circuit engine's own HandleFrame) can drive it from a
// single shared adapter.Receive() loop instead of Run's internal one —
// Run calls this directly when the registry is operated standalone.
func (r *Registry) HandleFrame(ctx context.Context, f wireframe.Frame) {
	switch f.Type {
	case wireframe.TypeNodeAnnouncement:
		r.handleAnnouncement(f)
	case wireframe.TypeNodeStatus:
		r.handleStatus(f)
	case wireframe.TypeNodeValidation:
		r.handleValidation(ctx, f)
	case wireframe.TypeNodeValidationResponse:
		r.handleValidationResponse(f)
	case wireframe.TypeNodePing:
		r.handlePing(ctx, f)
	case wireframe.TypeNodePong:
		r.handlePong(f)
	default:
		// spec §6: unknown type values are ignored.
	}
}

func (r *Registry) handleAnnouncement(f wireframe.Frame) {
	var msg wireframe.NodeAnnouncement
	if err := f.Unmarshal(&msg); err != nil {
		r.logger.Debug("registry: malformed announcement", "err", err)
		return
	}
	pub, err := unmarshalPublicKey(msg.PublicKey)
	if err != nil {
		r.logger.Debug("registry: malformed announcement public key", "err", err)
		return
	}

	var loc *peermodel.Location
	if msg.Location != nil {
		loc = &peermodel.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
			Accuracy:  msg.Location.Accuracy,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[msg.NodeID]
	if !ok {
		p = &peermodel.Peer{PeerID: msg.NodeID}
		r.peers[msg.NodeID] = p
	}
	p.Role = peermodel.Role(msg.Role)
	p.Status = peermodel.Status(msg.Status)
	p.PublicKey = pub
	p.Location = loc
	p.LastSeen = time.Now()
}

func (r *Registry) handleStatus(f wireframe.Frame) {
	var msg wireframe.NodeStatus
	if err := f.Unmarshal(&msg); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[msg.NodeID]
	if !ok {
		p = &peermodel.Peer{PeerID: msg.NodeID}
		r.peers[msg.NodeID] = p
	}
	p.Status = peermodel.Status(msg.Status)
	if msg.Role != "" {
		p.Role = peermodel.Role(msg.Role)
	}
	p.LastSeen = time.Now()
}

func (r *Registry) handleValidation(ctx context.Context, f wireframe.Frame) {
	var msg wireframe.NodeValidation
	if err := f.Unmarshal(&msg); err != nil {
		return
	}
	self := r.Self()
	if msg.TargetNodeID != self.PeerID {
		return
	}
	caps := r.Capabilities()
	resp := wireframe.NodeValidationResponse{
		Type:         wireframe.TypeNodeValidationResponse,
		NodeID:       self.PeerID,
		TargetNodeID: msg.NodeID,
		Timestamp:    msg.Timestamp,
		Status:       string(self.Status),
		Capabilities: wireframe.CapabilitiesWire{
			MaxBandwidthBPS: caps.MaxBandwidthBPS,
			LatencyMS:       caps.LatencyMS,
			Reliability:     caps.Reliability,
			UptimeMS:        caps.UptimeMS,
		},
	}
	frame, err := wireframe.Encode(wireframe.TypeNodeValidationResponse, resp)
	if err != nil {
		return
	}
	_ = r.adapter.Send(ctx, frame)
}

func (r *Registry) handleValidationResponse(f wireframe.Frame) {
	var msg wireframe.NodeValidationResponse
	if err := f.Unmarshal(&msg); err != nil {
		return
	}

	r.mu.Lock()
	if p, ok := r.peers[msg.NodeID]; ok {
		p.Capabilities = peermodel.Capabilities{
			MaxBandwidthBPS: msg.Capabilities.MaxBandwidthBPS,
			LatencyMS:       msg.Capabilities.LatencyMS,
			Reliability:     msg.Capabilities.Reliability,
			UptimeMS:        msg.Capabilities.UptimeMS,
		}
		p.Status = peermodel.Status(msg.Status)
		p.LastSeen = time.Now()
	}
	waiter := r.validationWaiters[msg.NodeID]
	r.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- msg:
		default:
		}
	}
}

func (r *Registry) handlePing(ctx context.Context, f wireframe.Frame) {
	var msg wireframe.NodePing
	if err := f.Unmarshal(&msg); err != nil {
		return
	}
	self := r.Self()
	if msg.TargetNodeID != self.PeerID {
		return
	}
	pong := wireframe.NodePong{
		Type:         wireframe.TypeNodePong,
		NodeID:       self.PeerID,
		TargetNodeID: msg.NodeID,
		Timestamp:    msg.Timestamp,
	}
	frame, err := wireframe.Encode(wireframe.TypeNodePong, pong)
	if err != nil {
		return
	}
	_ = r.adapter.Send(ctx, frame)
}

func (r *Registry) handlePong(f wireframe.Frame) {
	var msg wireframe.NodePong
	if err := f.Unmarshal(&msg); err != nil {
		return
	}
	r.mu.RLock()
	waiter := r.pingWaiters[msg.NodeID]
	r.mu.RUnlock()
	if waiter != nil {
		select {
		case waiter <- msg:
		default:
		}
	}
}

// Seed inserts or overwrites a peer entry directly, bypassing announcement —
// used to pre-populate known bootstrap peers before any announcement has
// been exchanged.
func (r *Registry) Seed(peer peermodel.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := peer
	r.peers[peer.PeerID] = &p
}

// Peer looks up a peer by ID, returning a snapshot.
func (r *Registry) Peer(peerID string) (peermodel.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return peermodel.Peer{}, false
	}
	return *p, true
}

// Peers returns a snapshot of every known peer (the local entry is not
// included — invariant iii keeps it addressable separately via Self).
func (r *Registry) Peers() []peermodel.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peermodel.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

func marshalPublicKey(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("registry: nil public key")
	}
	der, err := spkiMarshal(pub)
	if err != nil {
		return "", fmt.Errorf("registry: marshal spki: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func unmarshalPublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("registry: decode spki: %w", err)
	}
	return spkiUnmarshal(der)
}
