package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"nexus-chat/go-e2ee/internal/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvDataDir, EnvBackend, EnvKDF, EnvLogLevel, EnvPassphrase, EnvAllowPlaintext} {
		t.Setenv(key, "")
	}
}

func boolPtr(v bool) *bool {
	return &v
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Backend != BackendBadger || !cfg.Storage.SyncWrites {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Crypto.KDF != crypto.KDFRaw {
		t.Fatalf("expected raw default, got %q", cfg.Crypto.KDF)
	}
	if !cfg.Channel.AllowPlaintextFallback {
		t.Fatal("plaintext fallback must default to on")
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  backend: Memory
  dataDir: `+dir+`
  syncWrites: false
crypto:
  kdf: raw
channel:
  allowPlaintextFallback: false
  warnBurst: 9
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Storage.DataDir != dir || cfg.Storage.SyncWrites {
		t.Fatalf("storage not merged: %+v", cfg.Storage)
	}
	if cfg.Crypto.KDF != crypto.KDFRaw {
		t.Fatalf("expected raw kdf, got %q", cfg.Crypto.KDF)
	}
	if cfg.Channel.AllowPlaintextFallback {
		t.Fatal("expected explicit false to override default")
	}
	if cfg.Channel.WarnBurst != 9 || cfg.Channel.WarnRatePerSecond != 1 {
		t.Fatalf("unexpected channel config: %+v", cfg.Channel)
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v err=%v", level, err)
	}
}

func TestMergeDoesNotOverwriteDefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	var src FileConfig
	src.Storage.Backend = "memory"
	if err := Merge(&cfg, src); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !cfg.Storage.SyncWrites || !cfg.Channel.AllowPlaintextFallback {
		t.Fatalf("unset bools must keep defaults: %+v", cfg)
	}
	src.Storage.SyncWrites = boolPtr(false)
	if err := Merge(&cfg, src); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if cfg.Storage.SyncWrites {
		t.Fatal("explicit false must override")
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, "crypto:\n  kdf: hkdf-sha256\nchannel:\n  allowPlaintextFallback: true\n")
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvKDF, "raw")
	t.Setenv(EnvAllowPlaintext, "false")
	t.Setenv(EnvPassphrase, "correct horse")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Fatalf("data dir = %q, want %q", cfg.Storage.DataDir, dir)
	}
	if cfg.Crypto.KDF != crypto.KDFRaw || cfg.Channel.AllowPlaintextFallback {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Passphrase != "correct horse" {
		t.Fatal("passphrase must come from env")
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestPassphraseIsNotReadFromYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "passphrase: leaked\nstorage:\n  backend: memory\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Passphrase != "" {
		t.Fatalf("passphrase must not be loaded from yaml, got %q", cfg.Passphrase)
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad yaml", body: "storage: [unclosed"},
		{name: "unknown backend", body: "storage:\n  backend: sqlite\n"},
		{name: "unknown kdf", body: "crypto:\n  kdf: pbkdf2\n"},
		{name: "bad log level", body: "logging:\n  level: loud\n"},
		{name: "bad log format", body: "logging:\n  format: xml\n"},
		{name: "negative burst", body: "channel:\n  warnBurst: -1\n"},
		{name: "bad env bool", body: "storage:\n  backend: memory\n", env: map[string]string{EnvAllowPlaintext: "maybe"}},
		{name: "bad env kdf", body: "storage:\n  backend: memory\n", env: map[string]string{EnvKDF: "md5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tc.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadExplicitMissingPathFails(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestValidateRequiresDataDirForBadger(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = " "
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.Storage.Backend = BackendMemory
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory backend needs no data dir: %v", err)
	}
}
