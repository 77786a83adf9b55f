package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestKeyRecordOmitsZeroUpdatedAt(t *testing.T) {
	raw, err := json.Marshal(KeyRecord{ID: "alice", PublicKey: "pub"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(raw), "updatedAt") {
		t.Fatalf("zero timestamp must be omitted, got %s", raw)
	}

	stamped := KeyRecord{ID: "alice", UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	raw, err = json.Marshal(stamped)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back KeyRecord
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !back.UpdatedAt.Equal(stamped.UpdatedAt) {
		t.Fatalf("updatedAt = %v, want %v", back.UpdatedAt, stamped.UpdatedAt)
	}
}
