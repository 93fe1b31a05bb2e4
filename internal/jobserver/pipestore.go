package jobserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pipeStore drives a real pipe or FIFO. Reads and writes use separate locks
// because a blocking read must not hold up a release from another
// goroutine; the kernel keeps single-byte writes atomic.
type pipeStore struct {
	rmu sync.Mutex
	wmu sync.Mutex

	r, w     *os.File
	rfd, wfd int

	// owned is set when the read end's file description belongs to this
	// process alone. It then stays O_NONBLOCK and blocking reads are
	// emulated with poll.
	owned bool

	nonblocking atomic.Bool
	interrupts  atomic.Uint64
	closed      atomic.Bool
}

func newPipeStore(rfd, wfd int, name string) *pipeStore {
	s := &pipeStore{rfd: rfd, wfd: wfd}
	s.r = os.NewFile(uintptr(rfd), name)
	if wfd == rfd {
		s.w = s.r
	} else {
		s.w = os.NewFile(uintptr(wfd), name)
	}
	return s
}

// newOwnedPipeStore wraps descriptors whose file description no other
// process shares. A byte taken by a peer between poll and read then yields
// EAGAIN instead of parking the reader in the kernel.
func newOwnedPipeStore(rfd, wfd int, name string) (*pipeStore, error) {
	if err := unix.SetNonblock(rfd, true); err != nil {
		return nil, fmt.Errorf("set O_NONBLOCK on token pipe: %w", err)
	}
	s := newPipeStore(rfd, wfd, name)
	s.owned = true
	return s, nil
}

func (s *pipeStore) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

func (s *pipeStore) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		nonblocking := s.nonblocking.Load()
		if !nonblocking {
			if err := s.Wait(ctx); err != nil {
				return 0, err
			}
		}

		s.rmu.Lock()
		n, err := unix.Read(s.rfd, p)
		s.rmu.Unlock()

		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			if nonblocking {
				return 0, ErrWouldBlock
			}
			// A peer took the byte between poll and read.
		case errors.Is(err, unix.EINTR):
			return 0, ErrInterrupted
		default:
			return 0, fmt.Errorf("read token pipe: %w", err)
		}
	}
}

func (s *pipeStore) Wait(ctx context.Context) error {
	gen := s.interrupts.Load()
	fds := []unix.PollFd{{Fd: int32(s.rfd), Events: unix.POLLIN}}
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if s.interrupts.Load() != gen {
			return ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, pollSlice)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll token pipe: %w", err)
		}
		if n > 0 && fds[0].Revents != 0 {
			return nil
		}
	}
}

func (s *pipeStore) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for {
		n, err := unix.Write(s.wfd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("write token pipe: %w", err)
		}
		return n, nil
	}
}

func (s *pipeStore) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (s *pipeStore) SetNonblocking(nonblocking bool) error {
	if !s.owned {
		if err := unix.SetNonblock(s.rfd, nonblocking); err != nil {
			return fmt.Errorf("set O_NONBLOCK on token pipe: %w", err)
		}
	}
	s.nonblocking.Store(nonblocking)
	return nil
}

func (s *pipeStore) Available() (int, error) {
	n, err := unix.IoctlGetInt(s.rfd, fionread)
	if err != nil {
		return 0, fmt.Errorf("count bytes queued on token pipe: %w", err)
	}
	return n, nil
}

func (s *pipeStore) Interrupt() {
	s.interrupts.Add(1)
}

func (s *pipeStore) Files() (*os.File, *os.File) {
	return s.r, s.w
}

func (s *pipeStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Interrupt()
	err := s.r.Close()
	if s.w != s.r {
		err = errors.Join(err, s.w.Close())
	}
	return err
}
