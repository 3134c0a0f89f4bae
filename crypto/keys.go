// Package crypto implements the hybrid onion construction used by every
// higher layer: RSA-OAEP-SHA256 key wrap over AES-256-GCM bulk encryption.
//
// Grounded on ntor.HandshakeState's shape (typed key material, explicit
// zeroing on abandoned handshakes) and circuit.initHop's derive-then-zero
// idiom, adapted from an interactive Diffie-Hellman handshake to the
// non-interactive RSA-OAEP wrap this spec calls for.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// RSAKeyBits is the long-term and ephemeral RSA modulus size (spec §4.1).
const RSAKeyBits = 2048

// KeyPair is a long-term or circuit-ephemeral asymmetric key pair.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair produces one RSA-2048 key pair. Key generation is
// CPU-bound and may be offloaded by the caller (spec §5 suspension points).
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// GenerateCircuitKeys produces n independent key pairs for a fresh circuit
// (spec §4.1 generate_circuit_keys). Generation fans out across goroutines
// since each RSA-2048 keygen is an independent CPU-bound operation; a
// failure in any one (hardware RNG failure) fails the whole batch.
func GenerateCircuitKeys(n int) ([]*KeyPair, error) {
	if n < 1 {
		return nil, fmt.Errorf("generate circuit keys: n must be >= 1, got %d", n)
	}

	type result struct {
		idx int
		kp  *KeyPair
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			kp, err := GenerateKeyPair()
			results <- result{idx: idx, kp: kp, err: err}
		}(i)
	}

	out := make([]*KeyPair, n)
	var firstErr error
	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		out[r.idx] = r.kp
	}
	if firstErr != nil {
		return nil, fmt.Errorf("generate circuit keys: %w", firstErr)
	}
	return out, nil
}

// Zero clears the private exponent and primes of kp so the key material is
// not retrievable through the KeyPair value once the circuit using it is
// closed (invariant vi — ephemeral keys are zeroed, not merely dropped).
// big.Int has no public API for wiping its backing array in place, so this
// is best-effort: it clears the represented value, which is sufficient to
// make kp.Private unusable for decryption without relying on the runtime
// to have already reclaimed the old backing memory.
func (kp *KeyPair) Zero() {
	if kp == nil || kp.Private == nil {
		return
	}
	kp.Private.D.SetInt64(0)
	for _, p := range kp.Private.Primes {
		p.SetInt64(0)
	}
	if kp.Private.Precomputed.Dp != nil {
		kp.Private.Precomputed.Dp.SetInt64(0)
	}
	if kp.Private.Precomputed.Dq != nil {
		kp.Private.Precomputed.Dq.SetInt64(0)
	}
	if kp.Private.Precomputed.Qinv != nil {
		kp.Private.Precomputed.Qinv.SetInt64(0)
	}
	kp.Private = nil
	kp.Public = nil
}
