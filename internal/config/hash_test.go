package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteChecksumsThenVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "jobserver:\n  jobs: 2\n")

	manifest, err := WriteChecksums(path)
	if err != nil {
		t.Fatalf("WriteChecksums() failed: %v", err)
	}
	if manifest.Hashes["config.yaml"] == "" {
		t.Fatal("config.yaml hash missing from manifest")
	}
	if err := VerifyChecksums(path); err != nil {
		t.Fatalf("VerifyChecksums() = %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() with matching checksum failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("jobserver:\n  jobs: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err = VerifyChecksums(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("VerifyChecksums() after edit = %v, want hash mismatch", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should refuse a config that fails its checksum")
	}
}

func TestVerifyChecksumsWithoutManifest(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	if err := VerifyChecksums(path); err != nil {
		t.Fatalf("VerifyChecksums() without manifest = %v", err)
	}
}

func TestWriteChecksumsKeepsOtherEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := WriteChecksums(other); err != nil {
		t.Fatal(err)
	}
	manifest, err := WriteChecksums(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestParseSkipsChecksum(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "jobserver:\n  jobs: 2\n")
	if _, err := WriteChecksums(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("jobserver:\n  jobs: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse(dir)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if cfg.Jobserver.Jobs != 3 {
		t.Fatalf("jobs = %d, want 3", cfg.Jobserver.Jobs)
	}
	if _, err := Parse(writeConfig(t, t.TempDir(), "jobserver:\n  jobs: -1\n")); err == nil {
		t.Fatal("Parse() should still validate")
	}
}
