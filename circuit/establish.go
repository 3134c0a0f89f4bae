package circuit

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/crypto"
	"github.com/onionmesh/circuitcore/peermodel"
	"github.com/onionmesh/circuitcore/wireframe"
)

// HopEstablishTimeout bounds each sequential hop negotiation (spec §4.4
// build algorithm step 4).
const HopEstablishTimeout = 30 * time.Second

// buildTracer follows atvirokodosprendimai-wgmesh/pkg/discovery/stun.go's
// package-level otel.Tracer(name) + span.Start/defer span.End() idiom,
// generalized from one NAT-detection span to one span per circuit build.
var buildTracer = otel.Tracer("circuitcore.circuit")

// Build constructs an n-hop circuit, sequentially negotiating each hop
// (spec §4.4 build algorithm). n is coerced up to MinHops. On any failure
// the circuit transitions to Failed and opened state is rolled back.
func (e *Engine) Build(ctx context.Context, n int, exclude map[string]bool) (*Circuit, error) {
	ctx, span := buildTracer.Start(ctx, "circuit.build")
	defer span.End()
	if n < MinHops {
		n = MinHops
	}
	span.SetAttributes(attribute.Int("circuit.hops.requested", n))

	peers := e.reg.SuitableRelays(ctx, n, exclude)
	if len(peers) < n {
		span.SetStatus(codes.Error, "insufficient peers")
		return nil, circuiterr.ErrInsufficientPeers
	}

	circuitID := e.newCircuitID()
	span.SetAttributes(attribute.String("circuit.id", circuitID))
	c := &Circuit{ID: circuitID, Hops: make([]Hop, n), status: StatusBuilding}

	e.mu.Lock()
	e.circuits[circuitID] = c
	e.mu.Unlock()

	for i, p := range peers {
		var prevID string
		if i > 0 {
			prevID = peers[i-1].PeerID
		}
		var nextID string
		if i < n-1 {
			nextID = peers[i+1].PeerID
		}

		conf, err := e.establishHop(ctx, circuitID, i, p, prevID, nextID)
		if err != nil {
			span.SetStatus(codes.Error, "hop establish failed")
			span.RecordError(err)
			e.failBuild(circuitID, c)
			return nil, circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}

		ephPub, err := decodeSPKIPublicKey(conf.EphemeralPublicKey)
		if err != nil {
			span.SetStatus(codes.Error, "decode ephemeral public key failed")
			span.RecordError(err)
			e.failBuild(circuitID, c)
			return nil, circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
		}
		c.setHop(i, Hop{PeerID: p.PeerID, Role: p.Role, EphemeralPublicKey: ephPub})
	}

	dialCtx, cancel := context.WithTimeout(ctx, HopEstablishTimeout)
	link0, err := e.dial(dialCtx, peers[0].PeerID)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, "dial hop 0 failed")
		span.RecordError(err)
		e.failBuild(circuitID, c)
		return nil, circuiterr.Wrap(circuiterr.KindHopEstablishFailed, err)
	}

	c.rmu.Lock()
	c.link0 = link0
	c.rmu.Unlock()
	c.setStatus(StatusReady)
	return c, nil
}

func (e *Engine) failBuild(circuitID string, c *Circuit) {
	c.setStatus(StatusFailed)
	e.clearPending(circuitID)
	c.rmu.Lock()
	link0 := c.link0
	c.link0 = nil
	c.rmu.Unlock()
	if link0 != nil {
		link0.Close()
	}
	e.mu.Lock()
	delete(e.circuits, circuitID)
	e.mu.Unlock()
}

// establishHop sends one circuit_signaling establishment request and waits
// for the hop's confirmation, bounded by HopEstablishTimeout.
func (e *Engine) establishHop(ctx context.Context, circuitID string, hopIndex int, peer peermodel.Peer, prevID, nextID string) (*wireframe.LinkOpenConfirmation, error) {
	record := wireframe.EstablishmentRecord{
		CircuitID:     circuitID,
		HopIndex:      hopIndex,
		PreviousHopID: prevID,
		NextHopID:     nextID,
	}
	payload := wireframe.CircuitSignalingPayload{Kind: wireframe.CircuitSignalingKindEstablish, Record: &record}

	waiter := e.registerPending(circuitID)
	defer e.clearPending(circuitID)

	if err := e.sendSignaling(ctx, peer.PublicKey, peer.PeerID, payload); err != nil {
		return nil, fmt.Errorf("send establishment record: %w", err)
	}

	select {
	case conf := <-waiter:
		return &conf, nil
	case <-time.After(HopEstablishTimeout):
		return nil, circuiterr.Timeout("hop_establish")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleEstablish is invoked when this node is the target of an
// establishment record: it is being asked to act as a hop on someone
// else's circuit. It generates a fresh ephemeral key pair scoped to the
// circuit and confirms back to the requester (spec §3 resolution).
func (e *Engine) handleEstablish(ctx context.Context, fromNodeID string, record *wireframe.EstablishmentRecord) {
	if record == nil {
		return
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		e.logger.Warn("circuit: ephemeral keygen failed", "err", err)
		return
	}

	rs := &relayState{
		circuitID: record.CircuitID,
		prevHopID: record.PreviousHopID,
		nextHopID: record.NextHopID,
		keys:      keys,
	}
	e.mu.Lock()
	e.relays[record.CircuitID] = rs
	e.mu.Unlock()

	pubDER, err := encodeSPKIPublicKey(keys.Public)
	if err != nil {
		e.logger.Warn("circuit: marshal ephemeral public key failed", "err", err)
		return
	}
	conf := wireframe.LinkOpenConfirmation{
		CircuitID:          record.CircuitID,
		HopIndex:           record.HopIndex,
		EphemeralPublicKey: pubDER,
	}
	peer, ok := e.reg.Peer(fromNodeID)
	if !ok || peer.PublicKey == nil {
		e.logger.Warn("circuit: unknown establishment requester", "node", fromNodeID)
		return
	}
	payload := wireframe.CircuitSignalingPayload{Kind: wireframe.CircuitSignalingKindConfirm, Confirmation: &conf}
	if err := e.sendSignaling(ctx, peer.PublicKey, fromNodeID, payload); err != nil {
		e.logger.Warn("circuit: send confirmation failed", "err", err)
	}
}

func (e *Engine) sendSignaling(ctx context.Context, recipientPub *rsa.PublicKey, targetNodeID string, payload wireframe.CircuitSignalingPayload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal circuit_signaling payload: %w", err)
	}
	layer, err := crypto.EncryptLayer(plaintext, recipientPub)
	if err != nil {
		return fmt.Errorf("encrypt circuit_signaling payload: %w", err)
	}
	msg := wireframe.CircuitSignaling{
		Type:          wireframe.TypeCircuitSignaling,
		NodeID:        e.reg.PeerID(),
		TargetNodeID:  targetNodeID,
		EncryptedData: base64.StdEncoding.EncodeToString(layer.Ciphertext),
		EncryptedKey:  base64.StdEncoding.EncodeToString(layer.WrappedKey),
		IV:            layer.IV[:],
	}
	f, err := wireframe.Encode(wireframe.TypeCircuitSignaling, msg)
	if err != nil {
		return fmt.Errorf("encode circuit_signaling: %w", err)
	}
	return e.adapter.Send(ctx, f)
}

func (e *Engine) decryptSignaling(msg wireframe.CircuitSignaling) (*wireframe.CircuitSignalingPayload, error) {
	ct, err := base64.StdEncoding.DecodeString(msg.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(msg.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	if len(msg.IV) != crypto.GCMNonceSize {
		return nil, fmt.Errorf("invalid iv length: %d", len(msg.IV))
	}
	var iv [crypto.GCMNonceSize]byte
	copy(iv[:], msg.IV)

	layer := &crypto.Layer{Ciphertext: ct, WrappedKey: wrapped, IV: iv}
	plaintext, err := crypto.DecryptLayer(layer, e.reg.Keys().Private)
	if err != nil {
		return nil, err
	}

	var payload wireframe.CircuitSignalingPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal circuit_signaling payload: %w", err)
	}
	return &payload, nil
}
