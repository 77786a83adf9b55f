package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nexus-chat/go-e2ee/internal/config"
	"nexus-chat/go-e2ee/pkg/models"
)

type cli struct {
	t          *testing.T
	configPath string
	dataDir    string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	for _, key := range []string{config.EnvDataDir, config.EnvBackend, config.EnvKDF, config.EnvLogLevel, config.EnvPassphrase, config.EnvAllowPlaintext} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	configPath := filepath.Join(dir, "e2ee.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: error\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cli{t: t, configPath: configPath, dataDir: filepath.Join(dir, "keys")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", c.configPath, "--data-dir", c.dataDir}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (c *cli) mustRun(out any, args ...string) {
	c.t.Helper()
	stdout, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("%v: %v", args, err)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		c.t.Fatalf("%v: decode output %q: %v", args, stdout, err)
	}
}

func TestKeytoolRoundTrip(t *testing.T) {
	c := newCLI(t)

	var alice, bob models.IdentityInfo
	c.mustRun(&alice, "init", "-u", "alice")
	c.mustRun(&bob, "init", "-u", "bob")
	if alice.PublicKey == "" || alice.PublicKey == bob.PublicKey {
		t.Fatalf("unexpected identities: %+v %+v", alice, bob)
	}

	var again models.IdentityInfo
	c.mustRun(&again, "fingerprint", "-u", "alice")
	if again.Fingerprint != alice.Fingerprint {
		t.Fatal("fingerprint must match the initialized identity")
	}

	var ab, ba models.ChannelInfo
	c.mustRun(&ab, "establish", "-u", "alice", "bob", bob.PublicKey)
	c.mustRun(&ba, "establish", "-u", "bob", "alice", alice.PublicKey)
	if ab.SafetyNumber != ba.SafetyNumber {
		t.Fatal("safety numbers must match")
	}

	var env models.Envelope
	c.mustRun(&env, "encrypt", "-u", "alice", "bob", "hello")

	var out decryptResult
	c.mustRun(&out, "decrypt", "-u", "bob", "alice", env.Encrypted, env.IV)
	if out.Plaintext != "hello" {
		t.Fatalf("plaintext = %q", out.Plaintext)
	}

	raw, _ := json.Marshal(env)
	out = decryptResult{}
	c.mustRun(&out, "decrypt", "-u", "bob", "alice", "--envelope", string(raw))
	if out.Plaintext != "hello" {
		t.Fatalf("plaintext via --envelope = %q", out.Plaintext)
	}
}

func TestKeytoolErrors(t *testing.T) {
	c := newCLI(t)

	if _, err := c.run("init"); err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("expected missing user error, got %v", err)
	}
	c.mustRun(nil, "init", "-u", "alice")
	if _, err := c.run("encrypt", "-u", "alice", "bob", "hi"); err == nil {
		t.Fatal("encrypt without a channel must fail")
	}
	if _, err := c.run("establish", "-u", "alice", "bob", "not-a-key"); err == nil {
		t.Fatal("establish with a malformed key must fail")
	}
	if _, err := c.run("reset", "-u", "alice"); err == nil {
		t.Fatal("reset without --yes must fail")
	}
	if _, err := c.run("decrypt", "-u", "alice", "bob"); err == nil {
		t.Fatal("decrypt without an envelope must fail")
	}
}

func TestKeytoolPhraseCloseAndReset(t *testing.T) {
	c := newCLI(t)

	var alice models.IdentityInfo
	c.mustRun(&alice, "init", "-u", "alice")
	var phrase phraseResult
	c.mustRun(&phrase, "export-phrase", "-u", "alice")

	var status statusResult
	c.mustRun(&status, "reset", "-u", "alice", "--yes")
	if status.Status != "reset" {
		t.Fatalf("status = %q", status.Status)
	}
	if _, err := c.run("fingerprint", "-u", "alice"); err == nil {
		t.Fatal("identity must be gone after reset")
	}

	var restored models.IdentityInfo
	c.mustRun(&restored, "init", "-u", "alice", "--recovery-phrase", phrase.RecoveryPhrase)
	if restored.PublicKey != alice.PublicKey {
		t.Fatal("recovery phrase must restore the same identity")
	}

	var bob models.IdentityInfo
	c.mustRun(&bob, "init", "-u", "bob")
	c.mustRun(nil, "establish", "-u", "alice", "bob", bob.PublicKey)
	c.mustRun(&status, "close", "-u", "alice", "bob")
	if status.Status != "closed" {
		t.Fatalf("status = %q", status.Status)
	}
	if _, err := c.run("encrypt", "-u", "alice", "bob", "hi"); err == nil {
		t.Fatal("closed channel must not encrypt")
	}
}

func TestVersionCommand(t *testing.T) {
	c := newCLI(t)
	var v map[string]string
	c.mustRun(&v, "version")
	if v["version"] != version {
		t.Fatalf("version = %q", v["version"])
	}
}
