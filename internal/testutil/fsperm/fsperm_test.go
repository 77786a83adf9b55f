package fsperm

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// recorder captures failures so the assertions can be tested for both outcomes.
type recorder struct {
	testing.TB
	failed bool
}

func (r *recorder) Errorf(string, ...any) { r.failed = true }

func TestAssertNoPlaintextFindsLeak(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "000001.vlog"), []byte("xx MIGHAgEAMBMG yy"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("nxs1:sealed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	clean := &recorder{TB: t}
	AssertNoPlaintext(clean, dir, "some-other-key")
	if clean.failed {
		t.Fatal("unrelated secret must not be reported")
	}

	leaky := &recorder{TB: t}
	AssertNoPlaintext(leaky, dir, "MIGHAgEAMBMG")
	if !leaky.failed {
		t.Fatal("plaintext key material must be reported")
	}
}

func TestAssertNoWorldWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok := &recorder{TB: t}
	AssertNoWorldWritable(ok, dir)
	if ok.failed {
		t.Fatal("0600 file must pass")
	}

	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	bad := &recorder{TB: t}
	AssertNoWorldWritable(bad, dir)
	if !bad.failed {
		t.Fatal("world-writable file must be reported")
	}
}
