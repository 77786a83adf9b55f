package channel

import (
	"context"
	"errors"

	"nexus-chat/go-e2ee/internal/crypto"
	"nexus-chat/go-e2ee/internal/keystore"
	"nexus-chat/go-e2ee/internal/securestore"
)

var (
	ErrIdentityNotInitialized = errors.New("encryption identity is not initialized")
	ErrChannelNotEstablished  = errors.New("no secure channel with contact")
	ErrInvalidContact         = errors.New("invalid contact id")
	ErrInvalidUser            = errors.New("invalid user id")
	ErrIdentityExists         = errors.New("a different identity key already exists")
)

// ErrorKind tells a caller what to do about a failed operation.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindRetryLater: no channel yet, or the call was cancelled.
	KindRetryLater
	// KindCorrupted: the message or stored material cannot be trusted.
	KindCorrupted
	// KindReinitialize: the local identity is missing.
	KindReinitialize
	// KindInvalidInput: the caller passed a bad id or key.
	KindInvalidInput
	// KindConfiguration: sealed records cannot be opened with the configured
	// passphrase, or no passphrase was given.
	KindConfiguration
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRetryLater:
		return "retry_later"
	case KindCorrupted:
		return "corrupted"
	case KindReinitialize:
		return "reinitialize"
	case KindInvalidInput:
		return "invalid_input"
	case KindConfiguration:
		return "configuration"
	default:
		return "storage"
	}
}

func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrChannelNotEstablished),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindRetryLater
	case errors.Is(err, ErrIdentityNotInitialized):
		return KindReinitialize
	case errors.Is(err, ErrInvalidContact),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrIdentityExists),
		errors.Is(err, crypto.ErrInvalidRecoveryPhrase),
		errors.Is(err, crypto.ErrUnsupportedKDF):
		return KindInvalidInput
	case errors.Is(err, securestore.ErrAuthFailed),
		errors.Is(err, keystore.ErrSealerRequired):
		return KindConfiguration
	case errors.Is(err, crypto.ErrMalformedKey),
		errors.Is(err, crypto.ErrMalformedEnvelope),
		errors.Is(err, crypto.ErrAuthenticationFailure),
		errors.Is(err, keystore.ErrCorruptRecord),
		errors.Is(err, securestore.ErrInvalid):
		return KindCorrupted
	default:
		return KindStorage
	}
}
