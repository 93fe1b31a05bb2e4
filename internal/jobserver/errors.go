package jobserver

import "errors"

var (
	// ErrWouldBlock reports that a non-blocking read found the store empty.
	ErrWouldBlock = errors.New("jobserver: operation would block")

	// ErrInterrupted reports that a blocked read was woken by Interrupt.
	ErrInterrupted = errors.New("jobserver: interrupted")

	// ErrEarlyEOF reports that the token stream closed while a token was
	// expected.
	ErrEarlyEOF = errors.New("jobserver: early end-of-stream on token queue")

	// ErrReleaseShort reports that a release wrote fewer bytes than one token.
	ErrReleaseShort = errors.New("jobserver: failed to return token")

	// ErrTokenReleased reports a second release of the same token.
	ErrTokenReleased = errors.New("jobserver: token already released")

	// ErrUnsupported reports that the client cannot switch its store to
	// non-blocking mode, so TryAcquire is unavailable.
	ErrUnsupported = errors.New("jobserver: non-blocking acquire unsupported")

	// ErrCannotParse reports a malformed handoff string.
	ErrCannotParse = errors.New("jobserver: cannot parse handoff")

	// ErrNegativeFd reports a negative descriptor in an R,W handoff, which
	// make uses to mean the jobserver is disabled.
	ErrNegativeFd = errors.New("jobserver: negative descriptor")

	// ErrBadFd reports a handoff descriptor that is not open in this process.
	ErrBadFd = errors.New("jobserver: descriptor not open")

	// ErrNoJobserver reports that no jobserver flags were found in the
	// environment.
	ErrNoJobserver = errors.New("jobserver: no jobserver in environment")

	// ErrInvalidLimit reports a negative pool size.
	ErrInvalidLimit = errors.New("jobserver: invalid limit")

	// ErrClosed reports use of a closed store.
	ErrClosed = errors.New("jobserver: store closed")
)

// IsControl reports whether err is one of the expected control signals
// (ErrWouldBlock, ErrInterrupted) rather than a fault.
func IsControl(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}
