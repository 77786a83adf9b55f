package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"nexus-chat/go-e2ee/pkg/models"
)

// NonceSize is the AES-GCM nonce length (96 bits).
const NonceSize = 12

// EncryptMessage seals plaintext under key with a fresh random nonce.
func EncryptMessage(plaintext string, key SymmetricKey) (models.Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return models.Envelope{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return models.Envelope{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return models.Envelope{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// DecryptMessage opens an envelope produced by EncryptMessage. A tag mismatch
// yields ErrAuthenticationFailure.
func DecryptMessage(encrypted, iv string, key SymmetricKey) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64", ErrMalformedEnvelope)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: iv is not base64", ErrMalformedEnvelope)
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrMalformedEnvelope, NonceSize, len(nonce))
	}
	if len(ciphertext) < aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformedEnvelope)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return strings.ToValidUTF8(string(plaintext), "\uFFFD"), nil
}

func newAEAD(key SymmetricKey) (cipher.AEAD, error) {
	if len(key.b) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: symmetric key is not initialized", ErrMalformedKey)
	}
	block, err := aes.NewCipher(key.b)
	if err != nil {
		return nil, fmt.Errorf("AES cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}
