package crypto

import "errors"

var (
	ErrMalformedKey          = errors.New("malformed key")
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrAuthenticationFailure = errors.New("message authentication failed")
	ErrUnsupportedKDF        = errors.New("unsupported key derivation")
	ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")
)
