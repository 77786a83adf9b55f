package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"nexus-chat/go-e2ee/internal/crypto"
	"nexus-chat/go-e2ee/internal/keystore"
	"nexus-chat/go-e2ee/internal/securestore"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{err: nil, want: KindNone},
		{err: ErrChannelNotEstablished, want: KindRetryLater},
		{err: context.DeadlineExceeded, want: KindRetryLater},
		{err: ErrIdentityNotInitialized, want: KindReinitialize},
		{err: ErrInvalidUser, want: KindInvalidInput},
		{err: crypto.ErrUnsupportedKDF, want: KindInvalidInput},
		{err: crypto.ErrAuthenticationFailure, want: KindCorrupted},
		{err: keystore.ErrCorruptRecord, want: KindCorrupted},
		{err: securestore.ErrInvalid, want: KindCorrupted},
		{err: securestore.ErrAuthFailed, want: KindConfiguration},
		{err: keystore.ErrSealerRequired, want: KindConfiguration},
		{err: errors.New("disk full"), want: KindStorage},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("load identity: %w", tc.err)
		if tc.err == nil {
			wrapped = nil
		}
		if got := Classify(wrapped); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
