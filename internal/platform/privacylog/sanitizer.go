// Package privacylog keeps key material and raw identifiers out of logs.
//
// A SanitizingHandler wraps any slog.Handler. Attributes whose key names
// sensitive material are replaced with [REDACTED]; identifier attributes
// (user, contact, identity) are replaced with a per-process fingerprint under
// a "<key>_fp" name so log lines stay correlatable without exposing ids.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Policy names which attribute keys get redacted or fingerprinted.
type Policy struct {
	// SensitiveParts redacts any key containing one of these substrings.
	SensitiveParts []string
	// IDKeys are fingerprinted instead of logged verbatim.
	IDKeys map[string]struct{}
	// SensitiveValuePrefixes redacts string values regardless of key.
	SensitiveValuePrefixes []string
}

var bootNonce = randomNonce()

func DefaultPolicy() Policy {
	return Policy{
		SensitiveParts: []string{
			"private_key", "shared_key", "symmetric_key", "key_material",
			"recovery_phrase", "mnemonic", "plaintext",
			"secret", "password", "passphrase", "token", "authorization",
		},
		IDKeys: map[string]struct{}{
			"contact_id":  {},
			"user_id":     {},
			"identity_id": {},
			"peer_id":     {},
		},
		SensitiveValuePrefixes: []string{"nxs1:", "-----BEGIN"},
	}
}

type SanitizingHandler struct {
	next   slog.Handler
	policy Policy
}

func WrapHandler(next slog.Handler) slog.Handler {
	return WrapHandlerWithPolicy(next, DefaultPolicy())
}

func WrapHandlerWithPolicy(next slog.Handler, policy Policy) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, policy: policy}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.policy.SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, h.policy.SanitizeAttr(a))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean), policy: h.policy}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), policy: h.policy}
}

func (p Policy) SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	value := attr.Value.Resolve()

	switch {
	case p.isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case p.isIDKey(lowerKey):
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(value)))
	case value.Kind() == slog.KindGroup:
		group := value.Group()
		clean := make([]any, 0, len(group))
		for _, a := range group {
			clean = append(clean, p.SanitizeAttr(a))
		}
		return slog.Group(key, clean...)
	case value.Kind() == slog.KindString && p.isSensitiveValue(value.String()):
		return slog.String(key, redactedValue)
	}
	return slog.Attr{Key: key, Value: value}
}

// FingerprintID maps an identifier to a stable per-process token.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func (p Policy) isSensitiveKey(key string) bool {
	for _, part := range p.SensitiveParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func (p Policy) isIDKey(key string) bool {
	_, ok := p.IDKeys[key]
	return ok
}

func (p Policy) isSensitiveValue(v string) bool {
	v = strings.TrimSpace(v)
	for _, prefix := range p.SensitiveValuePrefixes {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
