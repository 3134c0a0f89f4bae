package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/onionmesh/circuitcore/circuiterr"
)

// AESKeySize is the AES-256-GCM symmetric key size in bytes (spec §4.1).
const AESKeySize = 32

// GCMNonceSize is the AES-GCM IV size in bytes (spec §4.1: "96-bit IV").
const GCMNonceSize = 12

// Layer is one hybrid-encrypted layer: a fresh AES-256-GCM key wrapped
// under the recipient's RSA-OAEP public key, plus the AEAD ciphertext and
// the IV used to produce it.
type Layer struct {
	Ciphertext []byte
	WrappedKey []byte
	IV         [GCMNonceSize]byte
}

// EncryptLayer generates a fresh symmetric key and IV, encrypts data under
// AES-256-GCM, and wraps the symmetric key under pk (spec §4.1
// encrypt_layer). data may be empty.
func EncryptLayer(data []byte, pk *rsa.PublicKey) (*Layer, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate layer key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	var iv [GCMNonceSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	ct := aead.Seal(nil, iv[:], data, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pk, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap layer key: %w", err)
	}

	return &Layer{Ciphertext: ct, WrappedKey: wrapped, IV: iv}, nil
}

// DecryptLayer unwraps the symmetric key under sk and decrypts ct under
// AES-256-GCM (spec §4.1 decrypt_layer). Errors never identify which step
// failed beyond the two spec-named kinds — a crypto failure never leaks
// detail to a peer (spec §7: "never propagate beyond the local hop").
func DecryptLayer(layer *Layer, sk *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, sk, layer.WrappedKey, nil)
	if err != nil {
		return nil, circuiterr.Wrap(circuiterr.KindUnwrapFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, circuiterr.Wrap(circuiterr.KindUnwrapFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, circuiterr.Wrap(circuiterr.KindUnwrapFailed, err)
	}

	plain, err := aead.Open(nil, layer.IV[:], layer.Ciphertext, nil)
	if err != nil {
		return nil, circuiterr.Wrap(circuiterr.KindAuthTagInvalid, err)
	}
	return plain, nil
}
