package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/jobcell/internal/runner"
)

// timeLayout has a fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal stores finished tasks in the task_log table.
type Journal struct {
	db        *sql.DB
	maxOutput int
	now       func() time.Time
}

type Option func(*Journal)

// WithMaxOutputBytes sets how much of each stream is stored.
func WithMaxOutputBytes(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxOutput = n
		}
	}
}

func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{db: db, maxOutput: DefaultMaxOutputBytes, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Digest returns the hex BLAKE3-256 of b.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Record stores e. Lengths and digests are computed from the full outputs
// before they are truncated to the cap.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	switch e.Status {
	case StatusSucceeded, StatusFailed, StatusAborted:
	default:
		return fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = j.now().Add(-e.Duration)
	}

	args, err := json.Marshal(nonNil(e.Args))
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	env, err := json.Marshal(nonNil(e.Env))
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}

	var reason any
	if e.Reason != "" {
		reason = e.Reason
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO task_log(
  id, args, env, status, reason, started_at, duration_ms,
  stdout, stderr, stdout_len, stderr_len, stdout_digest, stderr_digest
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, string(args), string(env), e.Status, reason,
		e.StartedAt.UTC().Format(timeLayout), e.Duration.Milliseconds(),
		j.truncate(e.Stdout), j.truncate(e.Stderr), len(e.Stdout), len(e.Stderr),
		Digest(e.Stdout), Digest(e.Stderr))
	if err != nil {
		return fmt.Errorf("insert task_log: %w", err)
	}
	return nil
}

// RecordTask stores a runner result.
func (j *Journal) RecordTask(ctx context.Context, task runner.Task, res runner.Result) error {
	return j.Record(ctx, EntryFromResult(task, res))
}

// EntryFromResult converts a runner result. Environment overrides are
// kept as KEY=VALUE, or -KEY for an unset.
func EntryFromResult(task runner.Task, res runner.Result) Entry {
	status := StatusFailed
	switch {
	case res.Aborted:
		status = StatusAborted
	case res.Success:
		status = StatusSucceeded
	}
	env := make([]string, 0, len(task.Env))
	for _, v := range task.Env {
		if v.Value == nil {
			env = append(env, "-"+v.Key)
		} else {
			env = append(env, v.Key+"="+*v.Value)
		}
	}
	return Entry{
		ID:       res.ID,
		Args:     task.Args,
		Env:      env,
		Status:   status,
		Reason:   res.Reason,
		Duration: res.Duration,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

func (j *Journal) truncate(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	if len(b) > j.maxOutput {
		return b[:j.maxOutput]
	}
	return b
}

const selectEntry = `
SELECT id, args, env, status, reason, started_at, duration_ms,
       stdout, stderr, stdout_len, stderr_len, stdout_digest, stderr_digest
FROM task_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		args, env string
		reason    sql.NullString
		startedAt string
		duration  int64
	)
	if err := row.Scan(&e.ID, &args, &env, &e.Status, &reason, &startedAt, &duration,
		&e.Stdout, &e.Stderr, &e.StdoutLen, &e.StderrLen, &e.StdoutDigest, &e.StderrDigest); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
		return Entry{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &e.Env); err != nil {
		return Entry{}, fmt.Errorf("decode env: %w", err)
	}
	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse started_at: %w", err)
	}
	e.StartedAt = t
	e.Reason = reason.String
	e.Duration = time.Duration(duration) * time.Millisecond
	return e, nil
}

// Get returns the entry with id, or ErrEntryNotFound.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(j.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task_log entry: %w", err)
	}
	return &e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, selectEntry+` ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task_log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task_log: %w", err)
	}
	return out, nil
}

// Prune deletes entries that started more than retention ago and returns
// how many were removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := j.now().Add(-retention).UTC().Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM task_log WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune task_log: %w", err)
	}
	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
