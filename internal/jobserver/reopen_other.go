//go:build unix && !linux

package jobserver

import (
	"errors"
	"fmt"
)

// reopenFd is unsupported here: /dev/fd/N duplicates the existing file
// description instead of creating a new one.
func reopenFd(fd, flags int) (int, error) {
	return -1, fmt.Errorf("reopen descriptor %d: %w", fd, errors.ErrUnsupported)
}
