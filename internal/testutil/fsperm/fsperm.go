package fsperm

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// AssertPrivateDirPerm verifies that the key store directory exists and is
// readable by its owner only.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat key store dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("key store path is a file: %s", dir)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("key store dir perm = %04o, want 0700 for %s", perm, dir)
	}
}

// AssertNoWorldWritable walks dir and fails on any entry others can modify.
// Database files must not be replaceable by other local users.
func AssertNoWorldWritable(t testing.TB, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		return
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().Perm()&0o002 != 0 {
			t.Errorf("%s is world-writable (%04o)", path, info.Mode().Perm())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
}

// AssertNoPlaintext fails if any file under dir contains one of secrets
// verbatim. Used to check that sealed key material never reaches disk.
func AssertNoPlaintext(t testing.TB, dir string, secrets ...string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, secret := range secrets {
			if secret != "" && bytes.Contains(data, []byte(secret)) {
				t.Errorf("%s contains plaintext key material", filepath.Base(path))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
}
