// Package localfs rejects paths that live on network filesystems. Token
// files rely on flock(2) and the journal on SQLite locking; neither is
// reliable over NFS or SMB.
package localfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem reports a path on a network filesystem.
var ErrNetworkFilesystem = errors.New("path is on a network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// Require returns an error if path, or its nearest existing ancestor, is on
// a network filesystem. Platforms without detection pass.
func Require(path string) error {
	return requireWithDetector(path, detectFilesystemType)
}

func requireWithDetector(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if IsNetwork(fsType) {
		return fmt.Errorf("%q (%s): %w; use a local directory", path, fsType, ErrNetworkFilesystem)
	}
	return nil
}

func nearestExisting(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

// IsNetwork reports whether fsType names a network filesystem.
func IsNetwork(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
