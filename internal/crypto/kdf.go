package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KDF selects how the raw ECDH secret becomes an AES key.
type KDF string

const (
	// KDFHKDFSHA256 expands the ECDH secret with HKDF-SHA256.
	KDFHKDFSHA256 KDF = "hkdf-sha256"
	// KDFRaw uses the 32-byte ECDH x-coordinate as the key, matching what
	// WebCrypto deriveKey(ECDH -> AES-GCM 256) produces in browser peers.
	KDFRaw KDF = "raw"

	// DefaultKDF keeps Go peers compatible with existing browser clients.
	DefaultKDF = KDFRaw

	hkdfInfoMessageKey = "nexus/e2ee/aes-256-gcm/v1"
)

func ParseKDF(raw string) (KDF, error) {
	switch KDF(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DefaultKDF, nil
	case KDFHKDFSHA256:
		return KDFHKDFSHA256, nil
	case KDFRaw:
		return KDFRaw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKDF, raw)
	}
}

// DeriveSharedKey runs ECDH and turns the result into a key with DefaultKDF.
// DeriveSharedKey(a.Private, b.Public) equals DeriveSharedKey(b.Private, a.Public).
func DeriveSharedKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (SymmetricKey, error) {
	return DeriveSharedKeyWith(DefaultKDF, priv, pub)
}

func DeriveSharedKeyWith(kdf KDF, priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (SymmetricKey, error) {
	if priv == nil || pub == nil {
		return SymmetricKey{}, ErrMalformedKey
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	defer zeroBytes(secret)

	switch kdf {
	case KDFHKDFSHA256:
		out, err := expandKey(secret, hkdfInfoMessageKey, SymmetricKeySize)
		if err != nil {
			return SymmetricKey{}, err
		}
		return SymmetricKey{b: out}, nil
	case KDFRaw:
		if len(secret) < SymmetricKeySize {
			return SymmetricKey{}, fmt.Errorf("%w: ecdh secret too short", ErrMalformedKey)
		}
		return SymmetricKey{b: append([]byte(nil), secret[:SymmetricKeySize]...)}, nil
	default:
		return SymmetricKey{}, fmt.Errorf("%w: %q", ErrUnsupportedKDF, string(kdf))
	}
}

func expandKey(secret []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
