package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is written next to the config it covers.
const ChecksumFile = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of config files by
// base name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// WriteChecksums records the hash of configPath in the .checksums file of
// its directory, keeping entries for other files.
func WriteChecksums(configPath string) (*ChecksumManifest, error) {
	dir, name := filepath.Split(configPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &ChecksumManifest{Version: 1, Hashes: make(map[string]string)}
	}

	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	manifest.Hashes[name] = hash
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads the .checksums file from dir. A missing file returns
// (nil, nil).
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}
	return &manifest, nil
}

// VerifyChecksums checks configPath against the .checksums file in its
// directory. Configs without a manifest, or not listed in it, pass.
func VerifyChecksums(configPath string) error {
	dir, name := filepath.Split(configPath)
	manifest, err := LoadChecksums(dir)
	if err != nil || manifest == nil {
		return err
	}
	expected, ok := manifest.Hashes[name]
	if !ok {
		return nil
	}
	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: jobcell config hash", name, expected, actual)
	}
	return nil
}
