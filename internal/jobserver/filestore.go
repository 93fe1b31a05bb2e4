package jobserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fileStore emulates a pipe on top of a regular file. Every read rewrites
// the file with the unread remainder, so an operation costs O(queue size);
// a token queue never grows beyond the pool limit.
type fileStore struct {
	mu          sync.Mutex
	f           *os.File
	fd          int
	path        string
	remove      bool
	nonblocking bool
	closed      bool

	// notify is closed and replaced on every append; intr is closed and
	// replaced on every Interrupt.
	notify chan struct{}
	intr   chan struct{}
}

func createFileStore(path string) (*fileStore, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create token file: %w", err)
	}
	s := openFileStore(fd, path)
	s.remove = true
	return s, nil
}

func openFileStore(fd int, name string) *fileStore {
	return &fileStore{
		f:      os.NewFile(uintptr(fd), name),
		fd:     fd,
		path:   name,
		notify: make(chan struct{}),
		intr:   make(chan struct{}),
	}
}

func (s *fileStore) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

func (s *fileStore) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		n, err := s.popLocked(p)
		nonblocking := s.nonblocking
		s.mu.Unlock()

		if err != nil || n > 0 {
			return n, err
		}
		if nonblocking {
			return 0, ErrWouldBlock
		}
		if err := s.Wait(ctx); err != nil {
			return 0, err
		}
	}
}

func (s *fileStore) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	notify, intr := s.notify, s.intr
	size, err := s.sizeLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}

	timer := time.NewTimer(peerRecheck)
	defer timer.Stop()
	select {
	case <-notify:
		return nil
	case <-timer.C:
		return nil
	case <-intr:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fileStore) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.appendLocked(p)
	if n > 0 {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	return n, err
}

func (s *fileStore) WriteAll(p []byte) error {
	n, err := s.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *fileStore) SetNonblocking(nonblocking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nonblocking = nonblocking
	return nil
}

func (s *fileStore) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.sizeLocked()
}

func (s *fileStore) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.intr)
	s.intr = make(chan struct{})
}

func (s *fileStore) Files() (*os.File, *os.File) {
	return s.f, s.f
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.intr)

	err := s.f.Close()
	if s.remove {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove token file: %w", rmErr))
		}
	}
	return err
}

// popLocked moves up to len(p) bytes from the front of the queue into p.
// Read, trim and rewrite all happen under the store mutex and an exclusive
// flock, so neither a local goroutine nor a peer process sharing the file
// can observe a partially trimmed queue.
func (s *fileStore) popLocked(p []byte) (int, error) {
	unlock, err := s.flock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	queue, err := s.contentsLocked()
	if err != nil {
		return 0, err
	}
	if len(queue) == 0 {
		return 0, nil
	}
	n := copy(p, queue)
	if err := s.f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncate token file: %w", err)
	}
	if rest := queue[n:]; len(rest) > 0 {
		if _, err := s.f.WriteAt(rest, 0); err != nil {
			return 0, fmt.Errorf("rewrite token file: %w", err)
		}
	}
	return n, nil
}

func (s *fileStore) appendLocked(p []byte) (int, error) {
	unlock, err := s.flock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	size, err := s.sizeLocked()
	if err != nil {
		return 0, err
	}
	n, err := s.f.WriteAt(p, int64(size))
	if err != nil {
		return n, fmt.Errorf("append token file: %w", err)
	}
	return n, nil
}

func (s *fileStore) contentsLocked() ([]byte, error) {
	size, err := s.sizeLocked()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := s.f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return buf[:n], nil
}

func (s *fileStore) sizeLocked() (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return 0, fmt.Errorf("stat token file: %w", err)
	}
	return int(st.Size), nil
}

func (s *fileStore) flock() (func(), error) {
	for {
		err := unix.Flock(s.fd, unix.LOCK_EX)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return nil, fmt.Errorf("lock token file: %w", err)
	}
	return func() { _ = unix.Flock(s.fd, unix.LOCK_UN) }, nil
}
