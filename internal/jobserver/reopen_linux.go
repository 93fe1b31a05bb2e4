//go:build linux

package jobserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reopenFd opens /dev/fd/N, which on linux yields a new file description
// for the same file or pipe.
func reopenFd(fd, flags int) (int, error) {
	nfd, err := unix.Open(fmt.Sprintf("/dev/fd/%d", fd), flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("reopen descriptor %d: %w", fd, err)
	}
	return nfd, nil
}
