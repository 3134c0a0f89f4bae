package registry

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// spkiMarshal encodes pub as an SPKI DER blob, the wire form spec §6's
// publicKey field calls for.
func spkiMarshal(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

func spkiUnmarshal(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("spki: not an rsa public key")
	}
	return rsaPub, nil
}
