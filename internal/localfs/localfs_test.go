package localfs

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireRejectsNetworkFilesystem(t *testing.T) {
	dir := t.TempDir()
	err := requireWithDetector(filepath.Join(dir, "missing", "tokens"), func(string) (string, error) {
		return "NFS", nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkFilesystem)
}

func TestRequireAcceptsLocalFilesystem(t *testing.T) {
	var inspected string
	err := requireWithDetector(filepath.Join(t.TempDir(), "a", "b"), func(p string) (string, error) {
		inspected = p
		return "0xef53", nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inspected)
}

func TestRequireToleratesUnsupportedDetection(t *testing.T) {
	err := requireWithDetector(t.TempDir(), func(string) (string, error) {
		return "", errors.ErrUnsupported
	})
	assert.NoError(t, err)
}

func TestRequireEmptyPath(t *testing.T) {
	assert.Error(t, Require(""))
}

func TestIsNetwork(t *testing.T) {
	for _, fs := range []string{"nfs", " CIFS ", "smb2", "webdav"} {
		assert.True(t, IsNetwork(fs), fs)
	}
	for _, fs := range []string{"ext4", "apfs", "0x9123683e", ""} {
		assert.False(t, IsNetwork(fs), fs)
	}
}
