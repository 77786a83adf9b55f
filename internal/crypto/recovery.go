package crypto

import (
	"crypto/ecdh"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// p256ScalarSize is the byte length of a P-256 private scalar, which is also
// the entropy carried by a 24-word phrase.
const p256ScalarSize = 32

// RecoveryPhrase encodes the 32-byte private scalar as a 24-word BIP-39
// mnemonic for offline backup.
func RecoveryPhrase(priv *ecdh.PrivateKey) (string, error) {
	if priv == nil || priv.Curve() != ecdh.P256() {
		return "", ErrMalformedKey
	}
	scalar := priv.Bytes()
	defer zeroBytes(scalar)
	return bip39.NewMnemonic(scalar)
}

func PrivateKeyFromRecoveryPhrase(phrase string) (*ecdh.PrivateKey, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if phrase == "" || !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidRecoveryPhrase
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryPhrase, err)
	}
	defer zeroBytes(entropy)
	if len(entropy) != p256ScalarSize {
		return nil, fmt.Errorf("%w: expected 24 words", ErrInvalidRecoveryPhrase)
	}
	priv, err := ecdh.P256().NewPrivateKey(entropy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryPhrase, err)
	}
	return priv, nil
}
