package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Stream identifies one of the standard descriptors.
type Stream int

const (
	Stdin  Stream = 0
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("Stream(%d)", int(s))
	}
}

func (s Stream) valid() bool {
	return s >= Stdin && s <= Stderr
}

var (
	// mu is the critical section spanning a capture window.
	mu sync.Mutex

	// active marks streams that currently have a capture installed.
	active [3]atomic.Bool
)

// Lock enters the process-wide capture section. Everything that swaps
// process-global state for a task (streams, environment) runs under it.
func Lock() { mu.Lock() }

// Unlock leaves the capture section.
func Unlock() { mu.Unlock() }

// Active reports whether s currently has a capture installed.
func Active(s Stream) bool {
	return s.valid() && active[s].Load()
}
