package configgen

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DerivePublicKey computes the x25519 public key for a private key in the
// data plane's base64url (unpadded) encoding. REALITY and WireGuard keys
// both use this scheme; WireGuard tooling additionally accepts standard
// base64, so both alphabets are tried on decode.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", curve25519.ScalarSize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

func decodeKey(key string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if raw, err := enc.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}

// keysEqual compares two encoded keys by their decoded bytes so padded and
// unpadded spellings of the same key never read as a mismatch.
func keysEqual(a, b string) bool {
	rawA, errA := decodeKey(a)
	rawB, errB := decodeKey(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return bytes.Equal(rawA, rawB)
}
