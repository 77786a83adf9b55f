package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordOp("seal", time.Now(), nil)
	m.RecordError(CategoryCrypto)
	m.IdentityInitialized("created")
	m.ChannelEstablished(true)
	m.MessageEncrypted()
	m.MessageDecrypted("ok")
	m.PlaintextFallback()
	m.WarningsSuppressed(3)
}

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	m.RecordOp("establish", time.Now(), nil)
	m.RecordOp("establish", time.Now(), errors.New("boom"))
	m.ChannelEstablished(false)
	m.ChannelEstablished(true)
	m.ChannelEstablished(true)
	m.MessageDecrypted("auth_failed")
	m.PlaintextFallback()
	m.WarningsSuppressed(0)
	m.WarningsSuppressed(4)

	if got := testutil.ToFloat64(m.opsTotal.WithLabelValues("establish", "error")); got != 1 {
		t.Fatalf("establish errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.channelsEstablished.WithLabelValues("true")); got != 2 {
		t.Fatalf("rotated channels = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.messagesDecrypted.WithLabelValues("auth_failed")); got != 1 {
		t.Fatalf("auth failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.warningsSuppressed); got != 4 {
		t.Fatalf("suppressed warnings = %v, want 4", got)
	}

	expected := `
# HELP nexus_e2ee_plaintext_fallbacks_total Sends that returned no envelope because no channel exists.
# TYPE nexus_e2ee_plaintext_fallbacks_total counter
nexus_e2ee_plaintext_fallbacks_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "nexus_e2ee_plaintext_fallbacks_total"); err != nil {
		t.Fatalf("unexpected exposition: %v", err)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestNilRegistererLeavesCollectorsUnregistered(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.MessageEncrypted()
	if got := testutil.ToFloat64(m.messagesEncrypted); got != 1 {
		t.Fatalf("encrypted = %v, want 1", got)
	}
}
