//go:build unix && !linux

package capture

import "golang.org/x/sys/unix"

// renumber makes newfd refer to oldfd's file, closing whatever newfd held.
func renumber(oldfd, newfd int) error {
	if oldfd == newfd {
		return nil
	}
	for {
		err := unix.Dup2(oldfd, newfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if newfd > int(Stderr) {
		_, err := unix.FcntlInt(uintptr(newfd), unix.F_SETFD, unix.FD_CLOEXEC)
		return err
	}
	return nil
}
