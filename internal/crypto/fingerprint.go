package crypto

import (
	"bytes"
	"crypto/ecdh"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const fingerprintPrefix = "nx1"

// Fingerprint is a short, stable label for a public key that users can
// compare out of band.
func Fingerprint(pub *ecdh.PublicKey) string {
	if pub == nil {
		return ""
	}
	h := blake2b.Sum256(pub.Bytes())
	return fingerprintPrefix + base58.Encode(h[:])
}

// SafetyNumber is the same on both ends of a channel regardless of which side
// computes it.
func SafetyNumber(a, b *ecdh.PublicKey) string {
	if a == nil || b == nil {
		return ""
	}
	x, y := a.Bytes(), b.Bytes()
	if bytes.Compare(x, y) > 0 {
		x, y = y, x
	}
	buf := make([]byte, 0, len(x)+len(y))
	buf = append(buf, x...)
	buf = append(buf, y...)
	h := blake2b.Sum256(buf)
	return base58.Encode(h[:20])
}
