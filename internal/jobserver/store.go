package jobserver

import (
	"context"
	"os"
	"time"
)

const (
	// peerRecheck bounds how long a waiter on a file-backed store sleeps
	// before re-reading the file, which is how bytes released by another
	// process are noticed.
	peerRecheck = 50 * time.Millisecond

	// pollSlice is the poll(2) timeout used on native pipes so waiters
	// observe Interrupt and context cancellation promptly.
	pollSlice = 100
)

// Store is a byte queue with pipe semantics. All operations are serialized
// by the store.
//
// Read and ReadContext return ErrWouldBlock when the store is non-blocking
// and empty, and ErrInterrupted when Interrupt wakes a blocked reader. Any
// other error is an I/O fault.
type Store interface {
	Read(p []byte) (int, error)
	ReadContext(ctx context.Context, p []byte) (int, error)

	// Wait blocks until the store is likely readable. A nil return does not
	// guarantee a subsequent read succeeds.
	Wait(ctx context.Context) error

	Write(p []byte) (int, error)
	WriteAll(p []byte) error
	SetNonblocking(nonblocking bool) error
	Available() (int, error)

	// Interrupt wakes every reader currently blocked in Read or Wait.
	Interrupt()

	// Files returns the read and write ends. They may be the same file.
	Files() (r, w *os.File)
	Close() error
}
