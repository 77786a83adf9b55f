package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// SymmetricKeySize is the AES-256 key length in bytes.
const SymmetricKeySize = 32

// KeyPair is an ECDH P-256 identity key pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// SymmetricKey holds a derived AES-256-GCM key. The zero value is not usable.
type SymmetricKey struct {
	b []byte
}

func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate p-256 key: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPublicKey encodes the uncompressed curve point as base64.
func ExportPublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

func ImportPublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64", ErrMalformedKey)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return pub, nil
}

// ExportPrivateKey encodes the private key as base64 PKCS#8 DER. The result
// belongs in local storage only.
func ExportPrivateKey(priv *ecdh.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrMalformedKey
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	defer zeroBytes(der)
	return base64.StdEncoding.EncodeToString(der), nil
}

func ImportPrivateKey(encoded string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64", ErrMalformedKey)
	}
	defer zeroBytes(der)
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve %s is not P-256", ErrMalformedKey, k.Curve.Params().Name)
		}
		priv, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		return priv, nil
	case *ecdh.PrivateKey:
		if k.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: curve is not P-256", ErrMalformedKey)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrMalformedKey, parsed)
	}
}

func SymmetricKeyFromBytes(b []byte) (SymmetricKey, error) {
	if len(b) != SymmetricKeySize {
		return SymmetricKey{}, fmt.Errorf("%w: symmetric key must be %d bytes, got %d", ErrMalformedKey, SymmetricKeySize, len(b))
	}
	return SymmetricKey{b: append([]byte(nil), b...)}, nil
}

// Bytes returns a copy of the raw key for persistence.
func (k SymmetricKey) Bytes() []byte {
	return append([]byte(nil), k.b...)
}

func (k SymmetricKey) IsZero() bool {
	return len(k.b) == 0
}

func (k SymmetricKey) Equal(other SymmetricKey) bool {
	if k.IsZero() || other.IsZero() {
		return false
	}
	return subtle.ConstantTimeCompare(k.b, other.b) == 1
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
