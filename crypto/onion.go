package crypto

import (
	"crypto/rsa"
	"fmt"

	"github.com/onionmesh/circuitcore/circuiterr"
)

// Envelope is the onion frame of spec §3: a payload ciphertext plus one
// wrapped key and IV per remaining layer, outermost (hop 0 / entry) first.
type Envelope struct {
	Payload     []byte
	WrappedKeys [][]byte
	IVs         [][GCMNonceSize]byte
}

// BuildOnion encrypts data from the innermost layer (the last key in pks,
// i.e. the exit hop) outward, so that pks[0] (the entry hop) ends up as the
// outermost layer (spec §4.1 build_onion: "array ordering: outer first").
func BuildOnion(data []byte, pks []*rsa.PublicKey) (*Envelope, error) {
	n := len(pks)
	if n < 1 {
		return nil, fmt.Errorf("build onion: need at least 1 hop, got %d", n)
	}

	wrappedKeys := make([][]byte, n)
	ivs := make([][GCMNonceSize]byte, n)
	inner := data

	for i := n - 1; i >= 0; i-- {
		layer, err := EncryptLayer(inner, pks[i])
		if err != nil {
			return nil, fmt.Errorf("build onion: encrypt layer %d: %w", i, err)
		}
		wrappedKeys[i] = layer.WrappedKey
		ivs[i] = layer.IV
		inner = layer.Ciphertext
	}

	return &Envelope{Payload: inner, WrappedKeys: wrappedKeys, IVs: ivs}, nil
}

// PeelLayer removes exactly one layer — the outermost remaining one — using
// sk, the private half of the key the layer was wrapped under (spec §4.1
// peel_layer). When the envelope held exactly one layer, the returned
// plaintext is the original data and final is true; otherwise the returned
// envelope is what the next hop receives.
func PeelLayer(env *Envelope, sk *rsa.PrivateKey) (inner *Envelope, plaintext []byte, final bool, err error) {
	if len(env.WrappedKeys) == 0 {
		return nil, nil, false, circuiterr.New(circuiterr.KindUnwrapFailed)
	}

	layer := &Layer{
		Ciphertext: env.Payload,
		WrappedKey: env.WrappedKeys[0],
		IV:         env.IVs[0],
	}
	plain, err := DecryptLayer(layer, sk)
	if err != nil {
		return nil, nil, false, err
	}

	if len(env.WrappedKeys) == 1 {
		return nil, plain, true, nil
	}
	return &Envelope{
		Payload:     plain,
		WrappedKeys: env.WrappedKeys[1:],
		IVs:         env.IVs[1:],
	}, nil, false, nil
}
