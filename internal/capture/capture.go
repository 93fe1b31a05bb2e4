package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	// ErrStreamBusy reports a second capture on a stream that already has
	// one installed. Nesting would lose the saved descriptor chain.
	ErrStreamBusy = errors.New("capture: stream already captured")

	// ErrNotStarted reports Stop or Restore on a capturer that is not
	// installed.
	ErrNotStarted = errors.New("capture: not started")

	// ErrWrongStream reports Start on stdin or SetStdin on an output stream.
	ErrWrongStream = errors.New("capture: wrong stream for operation")

	// ErrClosed reports use of a capturer after its backing file was
	// collected.
	ErrClosed = errors.New("capture: closed")
)

type state int

const (
	stateIdle state = iota
	stateInstalled
	stateRestored
	stateClosed
)

// Capturer redirects one standard stream onto a backing file. It is single
// use: once the backing file has been collected by Stop or Recover the
// capturer is spent.
type Capturer struct {
	stream Stream
	dir    string
	path   string
	flush  func() error

	// fd holds the backing file while idle and the saved live stream while
	// installed.
	fd    int
	state state
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithFlush registers a hook that Start calls before redirecting, so bytes
// buffered for the live stream land there and not in the capture.
func WithFlush(fn func() error) Option {
	return func(c *Capturer) { c.flush = fn }
}

// New creates the backing file <dir>/capture_<stream>_<uuid>. An empty dir
// means os.TempDir().
func New(stream Stream, dir string, opts ...Option) (*Capturer, error) {
	if !stream.valid() {
		return nil, fmt.Errorf("%w: %v", ErrWrongStream, stream)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	c := &Capturer{
		stream: stream,
		dir:    dir,
		path:   filepath.Join(dir, fmt.Sprintf("capture_%s_%s", stream, uuid.NewString())),
		fd:     -1,
	}
	for _, opt := range opts {
		opt(c)
	}

	fd, err := unix.Open(c.path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s capture file: %w", stream, err)
	}
	if fd, err = raise(fd); err != nil {
		_ = os.Remove(c.path)
		return nil, err
	}
	c.fd = fd
	return c, nil
}

// Stream returns the stream this capturer redirects.
func (c *Capturer) Stream() Stream { return c.stream }

// Path returns the backing file path.
func (c *Capturer) Path() string { return c.path }

// Start redirects stdout or stderr onto the backing file.
func (c *Capturer) Start() error {
	if c.stream == Stdin {
		return fmt.Errorf("%w: use SetStdin", ErrWrongStream)
	}
	if c.flush != nil {
		if err := c.flush(); err != nil {
			return fmt.Errorf("flush %s: %w", c.stream, err)
		}
	}
	return c.install()
}

// SetStdin writes input into the backing file, rewinds it and redirects
// stdin onto it. Readers of descriptor 0 see exactly input, then EOF.
func (c *Capturer) SetStdin(input []byte) error {
	if c.stream != Stdin {
		return fmt.Errorf("%w: SetStdin on %s", ErrWrongStream, c.stream)
	}
	if c.state != stateIdle {
		return c.stateError()
	}
	if err := writeFull(c.fd, input); err != nil {
		return fmt.Errorf("seed stdin: %w", err)
	}
	if _, err := unix.Seek(c.fd, 0, 0); err != nil {
		return fmt.Errorf("rewind stdin: %w", err)
	}
	return c.install()
}

func (c *Capturer) install() error {
	if c.state != stateIdle {
		return c.stateError()
	}
	if !active[c.stream].CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrStreamBusy, c.stream)
	}
	if err := exchange(c.dir, int(c.stream), c.fd); err != nil {
		active[c.stream].Store(false)
		return fmt.Errorf("redirect %s: %w", c.stream, err)
	}
	c.state = stateInstalled
	return nil
}

// Restore puts the saved stream back without collecting the backing file.
func (c *Capturer) Restore() error {
	if c.state != stateInstalled {
		if c.state == stateRestored {
			return nil
		}
		return c.stateError()
	}
	if err := exchange(c.dir, int(c.stream), c.fd); err != nil {
		return fmt.Errorf("restore %s: %w", c.stream, err)
	}
	active[c.stream].Store(false)
	c.state = stateRestored
	return nil
}

// Stop restores the stream and returns everything written to it while it
// was captured. The backing file is deleted.
func (c *Capturer) Stop() ([]byte, error) {
	if c.state != stateInstalled {
		return nil, c.stateError()
	}
	if err := c.Restore(); err != nil {
		return nil, err
	}
	return c.collect()
}

// Recover is the teardown for abnormal exits. It restores the stream if the
// capture is still installed, then returns whatever reached the backing
// file and deletes it. If the restore fails the bytes are still read by
// name and the file is deleted, and the error is returned alongside them.
func (c *Capturer) Recover() ([]byte, error) {
	switch c.state {
	case stateClosed:
		return nil, nil
	case stateIdle, stateRestored:
		return c.collect()
	}

	restoreErr := c.Restore()
	if restoreErr == nil {
		return c.collect()
	}

	// The saved descriptor may still be the only reference to the real
	// stream, so it is left open.
	c.state = stateClosed
	active[c.stream].Store(false)
	data, err := c.readAndRemove()
	return data, errors.Join(restoreErr, err)
}

// Close discards the capture, restoring the stream first if needed. It is
// safe to call after Stop or Recover.
func (c *Capturer) Close() error {
	_, err := c.Recover()
	return err
}

func (c *Capturer) collect() ([]byte, error) {
	c.state = stateClosed
	var closeErr error
	if err := unix.Close(c.fd); err != nil {
		closeErr = fmt.Errorf("close %s capture descriptor: %w", c.stream, err)
	}
	c.fd = -1
	data, err := c.readAndRemove()
	return data, errors.Join(closeErr, err)
}

func (c *Capturer) readAndRemove() ([]byte, error) {
	data, readErr := os.ReadFile(c.path)
	if readErr != nil {
		readErr = fmt.Errorf("read %s capture: %w", c.stream, readErr)
	}
	var rmErr error
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		rmErr = fmt.Errorf("remove %s capture: %w", c.stream, err)
	}
	return data, errors.Join(readErr, rmErr)
}

func (c *Capturer) stateError() error {
	switch c.state {
	case stateInstalled:
		return fmt.Errorf("%w: %s", ErrStreamBusy, c.stream)
	case stateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotStarted, c.stream)
	}
}

func writeFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
