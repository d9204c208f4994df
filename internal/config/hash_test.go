package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeBlake3Hash(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("state:\n  path: x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("state:\n  path: y\n"), 0600); err != nil {
		t.Fatal(err)
	}

	ha, err := ComputeBlake3Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(ha) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(ha))
	}
	again, _ := ComputeBlake3Hash(a)
	if again != ha {
		t.Fatal("hash is not stable")
	}
	hb, _ := ComputeBlake3Hash(b)
	if hb == ha {
		t.Fatal("different content produced the same hash")
	}

	if err := VerifyFileHash(a, ha); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(a, hb); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("VerifyFileHash() = %v, want mismatch", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("LoadChecksums() error = %v, want ErrNoChecksums", err)
	}
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 2\nhashes: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil || !strings.Contains(err.Error(), "unsupported checksums version") {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
}

func TestLockThenTamper(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  log_level: info\n")

	report, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	info, err := os.Stat(report.ChecksumPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf(".checksums mode = %v, want 0600", info.Mode().Perm())
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Hashes["config.yaml"] != report.Hash {
		t.Fatalf("manifest hash = %q, want %q", manifest.Hashes["config.yaml"], report.Hash)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked file = %v", err)
	}

	if err := os.WriteFile(path, []byte("service:\n  log_level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "foreman config lock") {
		t.Fatalf("Load() of tampered file = %v, want verification failure", err)
	}

	report2 := Check(path)
	if report2.Integrity != IntegrityFailed || report2.Valid {
		t.Fatalf("Check() = %+v, want failed integrity", report2)
	}
}

func TestLockManifestWithoutEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	if err := os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 1\nhashes:\n  other.yaml: abc\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "has no hash") {
		t.Fatalf("Load() error = %v, want missing-hash error", err)
	}
}
