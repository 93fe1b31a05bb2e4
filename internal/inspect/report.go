package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/jobcell/internal/journal"
)

// Report is the structured JSON representation of a journaled task.
type Report struct {
	TaskID     string   `json:"task_id"`
	Args       []string `json:"args"`
	Env        []string `json:"env,omitempty"`
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	StartedAt  string   `json:"started_at"`
	DurationMS int64    `json:"duration_ms"`
	Stdout     Stream   `json:"stdout"`
	Stderr     Stream   `json:"stderr"`
}

// Stream describes one captured stream.
type Stream struct {
	Length int    `json:"length"`
	Stored int    `json:"stored"`
	Digest string `json:"digest"`
	// Integrity is "verified" when the stored bytes hash to Digest,
	// "truncated" when only a prefix was kept, and "mismatch" otherwise.
	Integrity string `json:"integrity"`
	Text      string `json:"text,omitempty"`
}

// FromEntry builds the report for e. withOutput includes the stored text.
func FromEntry(e journal.Entry, withOutput bool) *Report {
	return &Report{
		TaskID:     e.ID,
		Args:       nonNil(e.Args),
		Env:        e.Env,
		Status:     string(e.Status),
		Reason:     e.Reason,
		StartedAt:  e.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMS: e.Duration.Milliseconds(),
		Stdout:     stream(e.Stdout, e.StdoutLen, e.StdoutDigest, withOutput),
		Stderr:     stream(e.Stderr, e.StderrLen, e.StderrDigest, withOutput),
	}
}

func stream(stored []byte, length int, digest string, withOutput bool) Stream {
	s := Stream{Length: length, Stored: len(stored), Digest: digest}
	switch {
	case len(stored) < length:
		s.Integrity = "truncated"
	case journal.Digest(stored) == digest:
		s.Integrity = "verified"
	default:
		s.Integrity = "mismatch"
	}
	if withOutput {
		s.Text = string(stored)
	}
	return s
}

// BuildReport renders a terminal-friendly report for a journaled task.
func BuildReport(ctx context.Context, j *journal.Journal, taskID string) (string, error) {
	report, err := gatherReportData(ctx, j, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Task ID     : %s\n", report.TaskID)
	fmt.Fprintf(&out, "Args        : %s\n", renderUnset(strings.Join(report.Args, " "), "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Reason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", report.Reason)
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt)
	fmt.Fprintf(&out, "Duration    : %dms\n", report.DurationMS)
	if len(report.Env) == 0 {
		fmt.Fprintf(&out, "Env         : <none>\n")
	} else {
		fmt.Fprintf(&out, "Env         :\n")
		for _, kv := range report.Env {
			fmt.Fprintf(&out, "  %s\n", kv)
		}
	}
	fmt.Fprintf(&out, "\n")

	for _, s := range []struct {
		name string
		s    Stream
	}{{"stdout", report.Stdout}, {"stderr", report.Stderr}} {
		fmt.Fprintf(&out, "[%s] %d bytes (%d stored), blake3 %s, %s\n",
			s.name, s.s.Length, s.s.Stored, renderUnset(s.s.Digest, "<none>"), s.s.Integrity)
		if s.s.Text != "" {
			for _, line := range strings.Split(strings.TrimRight(s.s.Text, "\n"), "\n") {
				fmt.Fprintf(&out, "    %s\n", line)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for a journaled task.
func BuildJSONReport(ctx context.Context, j *journal.Journal, taskID string) (string, error) {
	report, err := gatherReportData(ctx, j, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, j *journal.Journal, taskID string) (*Report, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	e, err := j.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	return FromEntry(*e, true), nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
