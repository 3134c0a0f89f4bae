package circuit

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/crypto"
	"github.com/onionmesh/circuitcore/wireframe"
)

// Send requires Ready, builds an onion envelope over the circuit's hop
// ephemeral public keys, and transmits it over links[0] (spec §4.4
// "Send"). Calls serialize under wmu so frame i is fully written before
// frame i+1 begins (spec §5 ordering guarantee).
func (c *Circuit) Send(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.Status() != StatusReady {
		return circuiterr.New(circuiterr.KindCircuitNotReady)
	}
	if c.link0 == nil {
		return circuiterr.New(circuiterr.KindCircuitNotReady)
	}

	hops := c.hopsSnapshot()
	env, err := crypto.BuildOnion(data, hopPublicKeys(hops))
	if err != nil {
		return fmt.Errorf("circuit: build onion: %w", err)
	}

	wireKeys := make([]string, len(env.WrappedKeys))
	for i, wk := range env.WrappedKeys {
		wireKeys[i] = base64.StdEncoding.EncodeToString(wk)
	}
	wireIVs := make([][]byte, len(env.IVs))
	for i, iv := range env.IVs {
		ivCopy := make([]byte, len(iv))
		copy(ivCopy, iv[:])
		wireIVs[i] = ivCopy
	}

	msg := wireframe.CircuitData{
		Type:      wireframe.TypeCircuitData,
		CircuitID: c.ID,
		Data:      base64.StdEncoding.EncodeToString(env.Payload),
		Keys:      wireKeys,
		IVs:       wireIVs,
	}
	f, err := wireframe.Encode(wireframe.TypeCircuitData, msg)
	if err != nil {
		return fmt.Errorf("circuit: encode circuit_data: %w", err)
	}
	if err := c.link0.Writer().WriteFrame(f); err != nil {
		return circuiterr.Wrap(circuiterr.KindCircuitClosed, err)
	}
	return nil
}

func hopPublicKeys(hops []Hop) []*rsa.PublicKey {
	out := make([]*rsa.PublicKey, len(hops))
	for i, h := range hops {
		out[i] = h.EphemeralPublicKey
	}
	return out
}
