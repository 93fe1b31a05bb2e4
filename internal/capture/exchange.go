package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const scratchPrefix = "exchange_fd_"

// exchange swaps what descriptors a and b refer to. Afterwards any of them
// numbered above 2 is close-on-exec.
func exchange(dir string, a, b int) (err error) {
	if a == b {
		return nil
	}

	scratch := filepath.Join(dir, scratchPrefix+uuid.NewString())
	s, err := unix.Open(scratch, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(scratch); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove scratch file: %w", rmErr))
		}
	}()
	defer func() {
		if cerr := unix.Close(s); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close scratch descriptor: %w", cerr))
		}
	}()

	if err := renumber(a, s); err != nil {
		return fmt.Errorf("save descriptor %d: %w", a, err)
	}
	if err := renumber(b, a); err != nil {
		return fmt.Errorf("move descriptor %d onto %d: %w", b, a, err)
	}
	if err := renumber(s, b); err != nil {
		// a already points at b's file; put the saved one back.
		if undo := renumber(s, a); undo != nil {
			return errors.Join(
				fmt.Errorf("move saved descriptor onto %d: %w", b, err),
				fmt.Errorf("undo descriptor %d: %w", a, undo),
			)
		}
		return fmt.Errorf("move saved descriptor onto %d: %w", b, err)
	}
	return nil
}

// raise moves fd above the standard descriptors so it can never be mistaken
// for one of the streams it is exchanged with.
func raise(fd int) (int, error) {
	if fd > int(Stderr) {
		return fd, nil
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, int(Stderr)+1)
	if err != nil {
		return -1, fmt.Errorf("move descriptor %d: %w", fd, err)
	}
	_ = unix.Close(fd)
	return nfd, nil
}
