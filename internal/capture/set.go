package capture

import (
	"errors"
	"fmt"
)

// Set is the stdin/stdout/stderr triple of one task.
type Set struct {
	stdin  *Capturer
	stdout *Capturer
	stderr *Capturer
	done   bool
}

// NewSet creates capturers for all three streams in dir. Options apply to
// the stdout and stderr capturers.
func NewSet(dir string, opts ...Option) (*Set, error) {
	stdin, err := New(Stdin, dir)
	if err != nil {
		return nil, err
	}
	stdout, err := New(Stdout, dir, opts...)
	if err != nil {
		return nil, errors.Join(err, stdin.Close())
	}
	stderr, err := New(Stderr, dir, opts...)
	if err != nil {
		return nil, errors.Join(err, stdin.Close(), stdout.Close())
	}
	return &Set{stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Start seeds stdin with input and redirects all three streams. On failure
// any stream already redirected is put back.
func (s *Set) Start(input []byte) error {
	if s.done {
		return ErrClosed
	}
	if err := s.stdin.SetStdin(input); err != nil {
		return err
	}
	if err := s.stdout.Start(); err != nil {
		return errors.Join(err, s.stdin.Restore())
	}
	if err := s.stderr.Start(); err != nil {
		return errors.Join(err, s.stdout.Restore(), s.stdin.Restore())
	}
	return nil
}

// Stop restores all three streams and returns the captured output. Every
// stream is torn down even if an earlier one fails.
func (s *Set) Stop() (stdout, stderr []byte, err error) {
	if s.done {
		return nil, nil, ErrClosed
	}
	s.done = true

	stderr, errErr := s.stderr.Stop()
	stdout, outErr := s.stdout.Stop()
	_, inErr := s.stdin.Stop()
	if err := errors.Join(errErr, outErr, inErr); err != nil {
		// Whatever Stop could not finish is finished by Recover.
		var recErr error
		if errErr != nil {
			stderr, recErr = recoverInto(stderr, s.stderr)
		}
		if outErr != nil {
			var e error
			stdout, e = recoverInto(stdout, s.stdout)
			recErr = errors.Join(recErr, e)
		}
		if inErr != nil {
			_, e := s.stdin.Recover()
			recErr = errors.Join(recErr, e)
		}
		return stdout, stderr, fmt.Errorf("stop capture: %w", errors.Join(err, recErr))
	}
	return stdout, stderr, nil
}

// Recover is Capturer.Recover for all three streams. It is used when the
// task ended abnormally and the streams may or may not still be redirected.
func (s *Set) Recover() (stdout, stderr []byte, err error) {
	if s.done {
		return nil, nil, nil
	}
	s.done = true

	stderr, errErr := s.stderr.Recover()
	stdout, outErr := s.stdout.Recover()
	_, inErr := s.stdin.Recover()
	if err := errors.Join(errErr, outErr, inErr); err != nil {
		return stdout, stderr, fmt.Errorf("recover capture: %w", err)
	}
	return stdout, stderr, nil
}

// Close tears the set down if Stop or Recover has not already done so.
func (s *Set) Close() error {
	_, _, err := s.Recover()
	return err
}

func recoverInto(have []byte, c *Capturer) ([]byte, error) {
	data, err := c.Recover()
	if len(data) > 0 {
		return data, err
	}
	return have, err
}
