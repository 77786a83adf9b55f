package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestSanitizingHandlerRedactsKeyMaterialAndIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("channel established",
		"contact_id", "bob",
		"private_key", "MIGHAgEAMBMGByqGSM49",
		"shared_key", "c2VjcmV0",
		"fingerprint", "nx1abc",
	)

	payload := decodeLine(t, &buf)
	if _, ok := payload["contact_id"]; ok {
		t.Fatal("contact_id should not be present")
	}
	fp, _ := payload["contact_id_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprinted contact id, got %q", fp)
	}
	for _, key := range []string{"private_key", "shared_key"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["fingerprint"].(string); got != "nx1abc" {
		t.Fatalf("expected fingerprint untouched, got %q", got)
	}
}

func TestSanitizingHandlerRedactsSealedValuesAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Warn("record", "value", "nxs1:eyJ2ZXJzaW9uIjoxfQ",
		slog.Group("peer", slog.String("user_id", "alice"), slog.String("passphrase", "hunter2")))

	out := buf.String()
	if strings.Contains(out, "nxs1:") || strings.Contains(out, "hunter2") || strings.Contains(out, `"alice"`) {
		t.Fatalf("sensitive data leaked: %s", out)
	}
	if !strings.Contains(out, "user_id_fp") {
		t.Fatalf("expected nested user id fingerprint, got %s", out)
	}
}

func TestWithAttrsIsSanitized(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("user_id", "alice")
	logger.Info("hello")
	if strings.Contains(buf.String(), "alice") {
		t.Fatalf("user id leaked through With: %s", buf.String())
	}
}

func TestFingerprintIDStableWithinProcess(t *testing.T) {
	if FingerprintID("bob") != FingerprintID(" bob ") {
		t.Fatal("fingerprint must ignore surrounding whitespace")
	}
	if FingerprintID("bob") == FingerprintID("carol") {
		t.Fatal("different ids must fingerprint differently")
	}
	if FingerprintID("") != "" {
		t.Fatal("empty id must stay empty")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info disabled at warn level")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelWarn, "msg", 0)
	rec.AddAttrs(slog.String("identity_id", "alice"))
	if err := h.WithGroup("e2ee").Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "identity_id_fp") {
		t.Fatalf("expected sanitized identity_id key, got %s", buf.String())
	}
	if WrapHandler(nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}
