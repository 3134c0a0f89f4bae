package crypto

import (
	"bytes"
	"crypto/rsa"
	"testing"

	"github.com/onionmesh/circuitcore/circuiterr"
)

func testKeys(t *testing.T, n int) []*KeyPair {
	t.Helper()
	kps, err := GenerateCircuitKeys(n)
	if err != nil {
		t.Fatalf("GenerateCircuitKeys(%d): %v", n, err)
	}
	return kps
}

func pubKeys(kps []*KeyPair) []*rsa.PublicKey {
	out := make([]*rsa.PublicKey, len(kps))
	for i, kp := range kps {
		out[i] = kp.Public
	}
	return out
}

// TestOnionRoundTrip is universal invariant 1: peeling in order from
// build_onion's output, one layer per hop, reproduces the plaintext.
func TestOnionRoundTrip(t *testing.T) {
	kps := testKeys(t, 3)
	plaintext := []byte("hello circuit")

	env, err := BuildOnion(plaintext, pubKeys(kps))
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	cur := env
	for i, kp := range kps {
		next, plain, final, err := PeelLayer(cur, kp.Private)
		if err != nil {
			t.Fatalf("PeelLayer hop %d: %v", i, err)
		}
		if i < len(kps)-1 {
			if final {
				t.Fatalf("hop %d: unexpected final=true", i)
			}
			cur = next
		} else {
			if !final {
				t.Fatalf("last hop: expected final=true")
			}
			if !bytes.Equal(plain, plaintext) {
				t.Fatalf("final plaintext mismatch: got %q want %q", plain, plaintext)
			}
		}
	}
}

func TestOnionEmptyPayload(t *testing.T) {
	kps := testKeys(t, 1)
	env, err := BuildOnion(nil, pubKeys(kps))
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}
	_, plain, final, err := PeelLayer(env, kps[0].Private)
	if err != nil {
		t.Fatalf("PeelLayer: %v", err)
	}
	if !final || len(plain) != 0 {
		t.Fatalf("expected empty final plaintext, got final=%v plain=%v", final, plain)
	}
}

// TestLayerRoundTrip is universal invariant 2.
func TestLayerRoundTrip(t *testing.T) {
	kp := testKeys(t, 1)[0]
	data := []byte("single layer payload")

	layer, err := EncryptLayer(data, kp.Public)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	got, err := DecryptLayer(layer, kp.Private)
	if err != nil {
		t.Fatalf("DecryptLayer: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

// TestTamperedCiphertextFails is universal invariant 3.
func TestTamperedCiphertextFails(t *testing.T) {
	kp := testKeys(t, 1)[0]
	layer, err := EncryptLayer([]byte("data"), kp.Public)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	layer.Ciphertext[0] ^= 0xFF

	_, err = DecryptLayer(layer, kp.Private)
	if err == nil {
		t.Fatal("expected decryption to fail on tampered ciphertext")
	}
	if !errorIsKind(err, circuiterr.KindAuthTagInvalid) {
		t.Fatalf("expected AuthTagInvalid, got %v", err)
	}
}

func TestTamperedIVFails(t *testing.T) {
	kp := testKeys(t, 1)[0]
	layer, err := EncryptLayer([]byte("data"), kp.Public)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	layer.IV[0] ^= 0xFF

	_, err = DecryptLayer(layer, kp.Private)
	if err == nil {
		t.Fatal("expected decryption to fail on tampered iv")
	}
}

// TestTamperedWrappedKeyFailsUnwrap is scenario S5: flipping a wrapped key
// causes UnwrapFailed at that hop, and nothing further is reachable.
func TestTamperedWrappedKeyFailsUnwrap(t *testing.T) {
	kps := testKeys(t, 3)
	env, err := BuildOnion([]byte{0xde, 0xad, 0xbe, 0xef}, pubKeys(kps))
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	// Hop 1 peels fine.
	next, _, final, err := PeelLayer(env, kps[0].Private)
	if err != nil || final {
		t.Fatalf("hop 0 peel: err=%v final=%v", err, final)
	}

	// Tamper hop 2's wrapped key before hop 2 peels.
	next.WrappedKeys[0][0] ^= 0xFF

	_, _, _, err = PeelLayer(next, kps[1].Private)
	if err == nil {
		t.Fatal("expected hop 1 peel to fail after tampering its wrapped key")
	}
	if !errorIsKind(err, circuiterr.KindUnwrapFailed) {
		t.Fatalf("expected UnwrapFailed, got %v", err)
	}
}

func errorIsKind(err error, kind circuiterr.Kind) bool {
	ce, ok := err.(*circuiterr.Error)
	return ok && ce.Kind == kind
}

func FuzzPeelLayer(f *testing.F) {
	kps := make([]*KeyPair, 2)
	kps[0], _ = GenerateKeyPair()
	kps[1], _ = GenerateKeyPair()
	env, _ := BuildOnion([]byte("seed payload"), pubKeys(kps))
	f.Add(env.Payload, env.WrappedKeys[0], env.IVs[0][:])
	f.Add([]byte{}, []byte{}, []byte{})
	f.Add([]byte("short"), []byte("short"), []byte("short"))

	f.Fuzz(func(t *testing.T, payload, wrappedKey, iv []byte) {
		var ivArr [GCMNonceSize]byte
		copy(ivArr[:], iv)
		e := &Envelope{Payload: payload, WrappedKeys: [][]byte{wrappedKey}, IVs: [][GCMNonceSize]byte{ivArr}}
		// Must not panic on arbitrary input, error is fine.
		_, _, _, _ = PeelLayer(e, kps[0].Private)
	})
}
