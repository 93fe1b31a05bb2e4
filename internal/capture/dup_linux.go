//go:build linux

package capture

import "golang.org/x/sys/unix"

// renumber makes newfd refer to oldfd's file, closing whatever newfd held.
func renumber(oldfd, newfd int) error {
	if oldfd == newfd {
		return nil
	}
	flags := 0
	if newfd > int(Stderr) {
		flags = unix.O_CLOEXEC
	}
	for {
		err := unix.Dup3(oldfd, newfd, flags)
		if err != unix.EINTR {
			return err
		}
	}
}
