//go:build !darwin && !linux

package localfs

import "errors"

func detectFilesystemType(string) (string, error) {
	return "", errors.ErrUnsupported
}
