package jobserver

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotAPipe reports a handoff that names something other than a pipe,
// FIFO or token file.
var ErrNotAPipe = errors.New("jobserver: not a pipe")

var makeflagsVars = []string{"CARGO_MAKEFLAGS", "MAKEFLAGS", "MFLAGS"}

var authPrefixes = []string{"--jobserver-auth=", "--jobserver-fds="}

// FromEnv joins the pool advertised by the first of CARGO_MAKEFLAGS,
// MAKEFLAGS or MFLAGS that is set. The last jobserver flag in it wins.
func FromEnv() (*Client, error) {
	for _, name := range makeflagsVars {
		flags, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		arg, found := authArg(flags)
		if !found {
			return nil, fmt.Errorf("%s: %w", name, ErrNoJobserver)
		}
		c, err := FromString(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return c, nil
	}
	return nil, ErrNoJobserver
}

func authArg(flags string) (string, bool) {
	var (
		arg   string
		found bool
	)
	for _, field := range strings.Fields(flags) {
		for _, prefix := range authPrefixes {
			if v, ok := strings.CutPrefix(field, prefix); ok {
				arg, found = v, true
			}
		}
	}
	return arg, found
}

// FromString joins the pool described by a handoff string.
func FromString(s string) (*Client, error) {
	if path, ok := strings.CutPrefix(s, "fifo:"); ok {
		return fromFifo(path)
	}
	read, write, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("%w: expected `fifo:PATH` or `R,W`, found %q", ErrCannotParse, s)
	}
	return fromPipe(read, write)
}

func fromFifo(path string) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: expected a path after `fifo:`", ErrCannotParse)
	}

	// O_RDWR so the open never waits for a peer on the other end.
	open := func() (int, error) {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("open %s: %w", path, err)
		}
		return fd, nil
	}

	rfd, err := open()
	if err != nil {
		return nil, err
	}
	kind, err := fileKind(rfd)
	if err != nil {
		_ = unix.Close(rfd)
		return nil, err
	}

	arg := handoff{kind: handoffFifo, path: path}
	switch kind {
	case unix.S_IFREG:
		return newClient(openFileStore(rfd, path), arg, ModeBlocking), nil
	case unix.S_IFIFO:
		wfd, err := open()
		if err != nil {
			_ = unix.Close(rfd)
			return nil, err
		}
		store, err := newOwnedPipeStore(rfd, wfd, path)
		if err != nil {
			_ = unix.Close(rfd)
			_ = unix.Close(wfd)
			return nil, err
		}
		return newClient(store, arg, ModeBlocking), nil
	default:
		_ = unix.Close(rfd)
		return nil, fmt.Errorf("%w: %s", ErrNotAPipe, path)
	}
}

func fromPipe(rs, ws string) (*Client, error) {
	read, err := parseFd("read", rs)
	if err != nil {
		return nil, err
	}
	write, err := parseFd("write", ws)
	if err != nil {
		return nil, err
	}
	for _, fd := range []int{read, write} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return nil, fmt.Errorf("%w: %d: %v", ErrBadFd, fd, err)
		}
	}

	kind, err := fileKind(read)
	if err != nil {
		return nil, err
	}
	arg := handoff{kind: handoffFds, read: read, write: write}
	name := "jobserver:" + arg.String()

	switch kind {
	case unix.S_IFREG:
		// A token file handed down by a parent created with New. A private
		// open file description keeps flock meaningful between us and it.
		fd, err := reopenFd(read, unix.O_RDWR)
		if err != nil {
			if fd, err = dupFd(read); err != nil {
				return nil, err
			}
		}
		return newClient(openFileStore(fd, name), arg, ModeBlocking), nil
	case unix.S_IFIFO:
	default:
		return nil, fmt.Errorf("%w: descriptor %d", ErrNotAPipe, read)
	}

	// Reopening gives this process its own file description, so O_NONBLOCK
	// can be set without affecting peers.
	rfd, rerr := reopenFd(read, unix.O_RDONLY)
	wfd, werr := reopenFd(write, unix.O_WRONLY)
	if rerr == nil && werr == nil {
		store, err := newOwnedPipeStore(rfd, wfd, name)
		if err != nil {
			_ = unix.Close(rfd)
			_ = unix.Close(wfd)
			return nil, err
		}
		return newClient(store, arg, ModeBlocking), nil
	}
	if rerr == nil {
		_ = unix.Close(rfd)
	}
	if werr == nil {
		_ = unix.Close(wfd)
	}

	rfd, err = dupFd(read)
	if err != nil {
		return nil, err
	}
	wfd, err = dupFd(write)
	if err != nil {
		_ = unix.Close(rfd)
		return nil, err
	}
	return newClient(newPipeStore(rfd, wfd, name), arg, ModeShared), nil
}

func parseFd(which, s string) (int, error) {
	fd, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: cannot parse %s fd %q: %v", ErrCannotParse, which, s, err)
	}
	if fd < 0 {
		return 0, fmt.Errorf("%w: %s fd %d", ErrNegativeFd, which, fd)
	}
	return fd, nil
}

func fileKind(fd int) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("%w: %d: %v", ErrBadFd, fd, err)
	}
	return uint32(st.Mode) & unix.S_IFMT, nil
}

func dupFd(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("duplicate descriptor %d: %w", fd, err)
	}
	return nfd, nil
}
