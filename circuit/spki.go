package circuit

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// encodeSPKIPublicKey and decodeSPKIPublicKey give ephemeral circuit keys
// the same wire representation the registry uses for long-term keys
// (SPKI DER, base64) — x509 SPKI is the idiomatic Go encoding for an
// *rsa.PublicKey, not a bespoke format.
func encodeSPKIPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("circuit: marshal spki: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func decodeSPKIPublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("circuit: decode spki: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("circuit: parse spki: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("circuit: spki key is not rsa")
	}
	return rsaPub, nil
}
