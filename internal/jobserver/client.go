package jobserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobcell/internal/localfs"
)

// Mode is the blocking state of a client's store. The only legal transition
// is ModeBlocking to ModeNonBlocking: switching back would race with waiters
// that assume blocking reads.
type Mode int32

const (
	// ModeShared marks a store whose descriptors are shared with peers that
	// were not verified, so it is never switched to non-blocking.
	ModeShared Mode = iota
	ModeBlocking
	ModeNonBlocking
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeBlocking:
		return "blocking"
	case ModeNonBlocking:
		return "non-blocking"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

type handoffKind int

const (
	handoffFds handoffKind = iota
	handoffFifo
)

// handoff records how the client was constructed so the same pool can be
// described to a child process.
type handoff struct {
	kind  handoffKind
	path  string
	read  int
	write int
}

func (h handoff) String() string {
	if h.kind == handoffFifo {
		return "fifo:" + h.path
	}
	return fmt.Sprintf("%d,%d", h.read, h.write)
}

// Client is a handle on a token pool. It is safe for concurrent use and is
// meant to be shared by every task of a build session.
type Client struct {
	store Store
	arg   handoff

	modeMu sync.Mutex
	mode   atomic.Int32
}

type options struct {
	dir   string
	named bool
}

// Option configures New.
type Option func(*options)

// WithDir places the token file in dir instead of os.TempDir().
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithNamedHandoff makes StringArg describe the pool by path (fifo:PATH)
// instead of by descriptor numbers.
func WithNamedHandoff() Option {
	return func(o *options) { o.named = true }
}

// New creates a pool holding limit tokens. The caller's own job is an
// implicit extra slot that is not represented in the pool.
func New(limit int, opts ...Option) (*Client, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		o.dir = os.TempDir()
	}
	if err := localfs.Require(o.dir); err != nil {
		return nil, fmt.Errorf("token directory: %w", err)
	}

	path := filepath.Join(o.dir, "jobserver_"+uuid.NewString())
	store, err := createFileStore(path)
	if err != nil {
		return nil, err
	}
	if err := fill(store, limit); err != nil {
		_ = store.Close()
		return nil, err
	}

	arg := handoff{kind: handoffFds, read: store.fd, write: store.fd}
	if o.named {
		arg = handoff{kind: handoffFifo, path: path}
	}
	return newClient(store, arg, ModeBlocking), nil
}

// fill seeds a fresh store with limit tokens. The store is non-blocking for
// the duration so the fill can never wait on itself.
func fill(s Store, limit int) error {
	if err := s.SetNonblocking(true); err != nil {
		return fmt.Errorf("fill token pool: %w", err)
	}
	chunk := bytes.Repeat([]byte{fillByte}, fillChunk)
	for limit > 0 {
		n := min(limit, len(chunk))
		if err := s.WriteAll(chunk[:n]); err != nil {
			return fmt.Errorf("fill token pool: %w", err)
		}
		limit -= n
	}
	if err := s.SetNonblocking(false); err != nil {
		return fmt.Errorf("fill token pool: %w", err)
	}
	return nil
}

func newClient(store Store, arg handoff, mode Mode) *Client {
	c := &Client{store: store, arg: arg}
	c.mode.Store(int32(mode))
	return c
}

// Mode reports the current blocking state.
func (c *Client) Mode() Mode {
	return Mode(c.mode.Load())
}

// CanTryAcquire reports whether TryAcquire is supported.
func (c *Client) CanTryAcquire() bool {
	return c.Mode() != ModeShared
}

// Acquire blocks until a token is available and consumes it. Interrupted
// reads are retried; ctx ends the wait.
func (c *Client) Acquire(ctx context.Context) (*Token, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := c.acquireAllowInterrupts(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if tok != nil {
			return tok, nil
		}
	}
}

// acquireAllowInterrupts blocks for one token. It returns (nil, nil) when the
// wait was interrupted so callers can re-check their own stop conditions.
func (c *Client) acquireAllowInterrupts(ctx context.Context) (*Token, error) {
	var buf [1]byte
	for {
		n, err := c.store.ReadContext(ctx, buf[:])
		switch {
		case err == nil && n == 1:
			return newToken(buf[0]), nil
		case err == nil:
			return nil, ErrEarlyEOF
		case errors.Is(err, ErrInterrupted):
			return nil, nil
		case !errors.Is(err, ErrWouldBlock):
			return nil, err
		}

		if err := c.store.Wait(ctx); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return nil, nil
			}
			return nil, err
		}
	}
}

// TryAcquire takes a token if one is queued and returns (nil, nil)
// otherwise. The first call permanently switches the store to non-blocking.
func (c *Client) TryAcquire() (*Token, error) {
	if err := c.switchNonblocking(); err != nil {
		return nil, err
	}

	var buf [1]byte
	for {
		n, err := c.store.Read(buf[:])
		switch {
		case err == nil && n == 1:
			return newToken(buf[0]), nil
		case err == nil:
			return nil, ErrEarlyEOF
		case errors.Is(err, ErrWouldBlock):
			return nil, nil
		case errors.Is(err, ErrInterrupted):
			continue
		default:
			return nil, fmt.Errorf("try acquire token: %w", err)
		}
	}
}

func (c *Client) switchNonblocking() error {
	switch c.Mode() {
	case ModeShared:
		return ErrUnsupported
	case ModeNonBlocking:
		return nil
	}

	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.Mode() == ModeNonBlocking {
		return nil
	}
	if err := c.store.SetNonblocking(true); err != nil {
		return fmt.Errorf("switch token store to non-blocking: %w", err)
	}
	c.mode.Store(int32(ModeNonBlocking))
	return nil
}

// Release returns a token to the pool. A nil token releases the caller's
// implicit slot by writing DefaultByte.
func (c *Client) Release(tok *Token) error {
	b := DefaultByte
	if tok != nil {
		if !tok.released.CompareAndSwap(false, true) {
			return ErrTokenReleased
		}
		b = tok.b
	}

	n, err := c.store.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("release token: %w", err)
	}
	if n != 1 {
		return ErrReleaseShort
	}
	return nil
}

// Available returns the number of queued tokens. The value is stale as soon
// as it is returned when other goroutines or processes share the pool.
func (c *Client) Available() (int, error) {
	n, err := c.store.Available()
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// StringArg describes the pool for a child process: "fifo:PATH" or "R,W".
func (c *Client) StringArg() string {
	return c.arg.String()
}

// Close releases the store. Blocked acquirers fail with ErrClosed and
// unreleased tokens are lost with it.
func (c *Client) Close() error {
	return c.store.Close()
}
