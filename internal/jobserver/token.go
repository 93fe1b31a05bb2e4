package jobserver

import "sync/atomic"

const (
	// DefaultByte is written by Release when no token value is supplied.
	DefaultByte byte = '+'

	// fillByte seeds a fresh pool. Peers must accept any byte value.
	fillByte byte = '|'

	fillChunk = 128
)

// Token is permission to run one job. It must be handed back with
// Client.Release exactly once; a dropped token shrinks the pool until the
// store is destroyed.
type Token struct {
	b        byte
	released atomic.Bool
}

func newToken(b byte) *Token {
	return &Token{b: b}
}

// Byte returns the byte value read from the pool.
func (t *Token) Byte() byte { return t.b }
