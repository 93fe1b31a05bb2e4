package journal

import (
	"errors"
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// DefaultMaxOutputBytes caps each stored stream.
const DefaultMaxOutputBytes = 64 * 1024

var ErrEntryNotFound = errors.New("journal entry not found")

// Entry is one finished task. Stdout and Stderr hold at most the journal's
// output cap; the lengths and digests always describe the full output.
type Entry struct {
	ID        string
	Args      []string
	Env       []string
	Status    Status
	Reason    string
	StartedAt time.Time
	Duration  time.Duration

	Stdout       []byte
	Stderr       []byte
	StdoutLen    int
	StderrLen    int
	StdoutDigest string
	StderrDigest string
}

// Truncated reports whether either stream was cut to fit the journal.
func (e Entry) Truncated() bool {
	return len(e.Stdout) < e.StdoutLen || len(e.Stderr) < e.StderrLen
}
