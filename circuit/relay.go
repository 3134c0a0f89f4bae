package circuit

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/onionmesh/circuitcore/crypto"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/wireframe"
)

// ServeLink reads frames from an accepted peer-link connection until it
// closes or ctx is cancelled, dispatching circuit_data frames to this
// node's relay state. Callers spawn one of these per accepted connection
// (mirroring the teacher's per-link read loop, generalized from Tor cells
// to wireframe.Frame).
func (e *Engine) ServeLink(ctx context.Context, link peerlink.Link) error {
	defer link.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := link.Reader().ReadFrame()
		if err != nil {
			return fmt.Errorf("circuit: read link frame: %w", err)
		}
		if f.Type != wireframe.TypeCircuitData {
			continue
		}
		e.handleCircuitData(ctx, f, link)
	}
}

func (e *Engine) handleCircuitData(ctx context.Context, f wireframe.Frame, from peerlink.Link) {
	var msg wireframe.CircuitData
	if err := f.Unmarshal(&msg); err != nil {
		e.logger.Debug("circuit: malformed circuit_data", "err", err)
		return
	}

	e.mu.Lock()
	rs, ok := e.relays[msg.CircuitID]
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("circuit: circuit_data for unknown circuit", "circuitId", msg.CircuitID)
		return
	}

	env, err := decodeEnvelope(msg)
	if err != nil {
		e.logger.Debug("circuit: malformed onion envelope", "err", err)
		return
	}

	rs.mu.Lock()
	privKey := rs.keys.Private
	rs.mu.Unlock()

	inner, plaintext, final, err := crypto.PeelLayer(env, privKey)
	if err != nil {
		e.logger.Debug("circuit: peel layer failed", "circuitId", msg.CircuitID, "err", err)
		return
	}

	if final {
		if e.deliver != nil {
			e.deliver(msg.CircuitID, plaintext)
		} else {
			e.logger.Debug("circuit: dropping exit plaintext, no deliver func", "circuitId", msg.CircuitID)
		}
		return
	}

	if err := e.forward(ctx, rs, msg.CircuitID, inner); err != nil {
		e.logger.Warn("circuit: forward failed", "circuitId", msg.CircuitID, "err", err)
	}
}

func (e *Engine) forward(ctx context.Context, rs *relayState, circuitID string, inner *crypto.Envelope) error {
	rs.mu.Lock()
	link := rs.nextLink
	nextHopID := rs.nextHopID
	rs.mu.Unlock()

	if link == nil {
		if nextHopID == "" {
			return fmt.Errorf("circuit: no next hop to forward to")
		}
		dialCtx, cancel := context.WithTimeout(ctx, HopEstablishTimeout)
		newLink, err := e.dial(dialCtx, nextHopID)
		cancel()
		if err != nil {
			return fmt.Errorf("dial next hop: %w", err)
		}
		rs.mu.Lock()
		rs.nextLink = newLink
		rs.mu.Unlock()
		link = newLink
	}

	wireKeys := make([]string, len(inner.WrappedKeys))
	for i, wk := range inner.WrappedKeys {
		wireKeys[i] = base64.StdEncoding.EncodeToString(wk)
	}
	wireIVs := make([][]byte, len(inner.IVs))
	for i, iv := range inner.IVs {
		ivCopy := make([]byte, len(iv))
		copy(ivCopy, iv[:])
		wireIVs[i] = ivCopy
	}
	msg := wireframe.CircuitData{
		Type:      wireframe.TypeCircuitData,
		CircuitID: circuitID,
		Data:      base64.StdEncoding.EncodeToString(inner.Payload),
		Keys:      wireKeys,
		IVs:       wireIVs,
	}
	f, err := wireframe.Encode(wireframe.TypeCircuitData, msg)
	if err != nil {
		return fmt.Errorf("encode forwarded circuit_data: %w", err)
	}
	link.SetDeadline(time.Now().Add(HopEstablishTimeout))
	defer link.SetDeadline(time.Time{})
	return link.Writer().WriteFrame(f)
}

func decodeEnvelope(msg wireframe.CircuitData) (*crypto.Envelope, error) {
	payload, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(msg.Keys) != len(msg.IVs) {
		return nil, fmt.Errorf("keys/ivs length mismatch: %d vs %d", len(msg.Keys), len(msg.IVs))
	}
	wrappedKeys := make([][]byte, len(msg.Keys))
	for i, wk := range msg.Keys {
		b, err := base64.StdEncoding.DecodeString(wk)
		if err != nil {
			return nil, fmt.Errorf("decode wrapped key %d: %w", i, err)
		}
		wrappedKeys[i] = b
	}
	ivs := make([][crypto.GCMNonceSize]byte, len(msg.IVs))
	for i, iv := range msg.IVs {
		if len(iv) != crypto.GCMNonceSize {
			return nil, fmt.Errorf("iv %d has wrong length %d", i, len(iv))
		}
		copy(ivs[i][:], iv)
	}
	return &crypto.Envelope{Payload: payload, WrappedKeys: wrappedKeys, IVs: ivs}, nil
}
