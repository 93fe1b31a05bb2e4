package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/jobcell/internal/inspect"
	"github.com/mattjoyce/jobcell/internal/lock"
)

// Tests here run units that write to descriptors 1 and 2, so none of them
// run in parallel.

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`session:
  log_level: error
  lock_path: %[1]s/jobcell.lock
jobserver:
  jobs: 2
  inherit: false
  dir: %[1]s
capture:
  dir: %[1]s
journal:
  path: %[1]s/journal.db
`, dir)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runCLI(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionJSON(t *testing.T) {
	code, out, errOut := run(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"task", "session", "config"} {
		code, out, _ := run(t, noun, "help")
		if code != 0 || !strings.Contains(out, "Actions:") {
			t.Errorf("%s help: code=%d out=%q", noun, code, out)
		}
	}
}

func TestTaskRunEcho(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	code, out, errOut := run(t, "task", "run", "--config", cfg, "--unit", "echo", "--", "hello", "world")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if out != "hello world\n" {
		t.Fatalf("stdout = %q", out)
	}
}

func TestTaskRunCatDropsMarker(t *testing.T) {
	cfg, dir := writeTestConfig(t)
	input := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(input, []byte("line one\nline two\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, errOut := run(t, "task", "run", "--config", cfg, "--unit", "cat", "--stdin", input)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if out != "line one\nline two\n" {
		t.Fatalf("stdout = %q", out)
	}
}

func TestTaskRunEnvOverridesAreScoped(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	t.Setenv("JOBCELL_TEST_SET", "outer")
	t.Setenv("JOBCELL_TEST_UNSET", "present")

	code, out, errOut := run(t, "task", "run", "--config", cfg, "--unit", "env",
		"--env", "JOBCELL_TEST_SET=inner", "--unset", "JOBCELL_TEST_UNSET",
		"--", "JOBCELL_TEST_SET", "JOBCELL_TEST_UNSET")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	want := "JOBCELL_TEST_SET=inner\nJOBCELL_TEST_UNSET unset\n"
	if out != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
	if got := os.Getenv("JOBCELL_TEST_SET"); got != "outer" {
		t.Fatalf("JOBCELL_TEST_SET after task = %q, want outer", got)
	}
	if got, ok := os.LookupEnv("JOBCELL_TEST_UNSET"); !ok || got != "present" {
		t.Fatalf("JOBCELL_TEST_UNSET after task = %q (set=%v)", got, ok)
	}
}

func TestTaskRunFailure(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	code, _, errOut := run(t, "task", "run", "--config", cfg, "--unit", "fail", "--", "boom")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut, "boom\n") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestTaskRunAbortKeepsPartialOutput(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	code, out, errOut := run(t, "task", "run", "--config", cfg, "--unit", "abort", "--", "now")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if out != "aborting\n" {
		t.Fatalf("stdout = %q", out)
	}
	if !strings.Contains(errOut, "aborted: ") || !strings.Contains(errOut, "abort: now") {
		t.Fatalf("stderr = %q", errOut)
	}

	// The process streams must be usable again for the next task.
	code, out, _ = run(t, "task", "run", "--config", cfg, "--unit", "echo", "--", "after")
	if code != 0 || out != "after\n" {
		t.Fatalf("follow-up task: code=%d stdout=%q", code, out)
	}
}

func TestTaskRunTaskFile(t *testing.T) {
	cfg, dir := writeTestConfig(t)
	taskPath := filepath.Join(dir, "task.yaml")
	body := "args: [from, file]\nenv:\n  JOBCELL_TEST_TASK: yes\n"
	if err := os.WriteFile(taskPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, errOut := run(t, "task", "run", "--config", cfg, "--task", taskPath, "--", "and", "flags")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if out != "from file and flags\n" {
		t.Fatalf("stdout = %q", out)
	}
}

func TestTaskRunRejectsBadInput(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown unit", []string{"--unit", "nope"}, "unknown unit"},
		{"malformed env", []string{"--env", "NOEQUALS"}, "want KEY=VALUE"},
		{"zero repeat", []string{"--repeat", "0"}, "--repeat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"task", "run", "--config", cfg}, tt.args...)
			code, _, errOut := run(t, args...)
			if code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
			if !strings.Contains(errOut, tt.want) {
				t.Fatalf("stderr = %q, want %q", errOut, tt.want)
			}
		})
	}
}

func TestTaskRunEmptyPoolUsesImplicitSlot(t *testing.T) {
	cfg, _ := writeTestConfig(t)

	type outcome struct {
		code        int
		out, errOut string
	}
	done := make(chan outcome, 1)
	go func() {
		code, out, errOut := run(t, "task", "run", "--config", cfg, "--jobs", "0", "--repeat", "3", "--no-journal", "--", "hi")
		done <- outcome{code, out, errOut}
	}()

	select {
	case o := <-done:
		if o.code != 0 {
			t.Fatalf("exit code = %d, stderr = %s", o.code, o.errOut)
		}
		if o.out != "hi\nhi\nhi\n" {
			t.Fatalf("stdout = %q", o.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("task run --jobs 0 did not finish")
	}
}

func TestTaskRunEventsAndJournal(t *testing.T) {
	cfg, _ := writeTestConfig(t)
	code, out, errOut := run(t, "task", "run", "--config", cfg, "--repeat", "2", "--events", "--", "twice")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if out != "twice\ntwice\n" {
		t.Fatalf("stdout = %q", out)
	}
	for _, want := range []string{"task.started", "task.finished"} {
		if strings.Count(errOut, want+" ") != 2 {
			t.Errorf("want two %s events in %q", want, errOut)
		}
	}
	if acquired, released := strings.Count(errOut, "token.acquired "), strings.Count(errOut, "token.released "); acquired != released {
		t.Errorf("token.acquired=%d token.released=%d in %q", acquired, released, errOut)
	}

	code, out, errOut = run(t, "task", "log", "--config", cfg, "--json")
	if code != 0 {
		t.Fatalf("task log exit code = %d, stderr = %s", code, errOut)
	}
	var entries []inspect.Report
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != "succeeded" || e.Stdout.Length != len("twice\n") || e.Stdout.Integrity != "verified" {
			t.Errorf("entry = %+v", e)
		}
	}

	code, out, errOut = run(t, "task", "show", "--config", cfg, entries[0].TaskID)
	if code != 0 {
		t.Fatalf("task show exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "Status      : succeeded") || !strings.Contains(out, "    twice\n") {
		t.Fatalf("task show = %q", out)
	}

	code, _, errOut = run(t, "task", "show", "--config", cfg, "no-such-task")
	if code != 1 || !strings.Contains(errOut, "No task no-such-task") {
		t.Fatalf("missing task: code=%d stderr=%q", code, errOut)
	}
}

func TestTaskRunNoJournal(t *testing.T) {
	cfg, dir := writeTestConfig(t)
	code, _, errOut := run(t, "task", "run", "--config", cfg, "--no-journal", "--", "x")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if _, err := os.Stat(filepath.Join(dir, "journal.db")); !os.IsNotExist(err) {
		t.Fatalf("journal created with --no-journal: %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSessionExecAdvertisesPool(t *testing.T) {
	requireShell(t)
	cfg, _ := writeTestConfig(t)
	code, out, errOut := run(t, "session", "exec", "--config", cfg, "--jobs", "3", "--",
		"sh", "-c", `printf '%s' "$MAKEFLAGS"`)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "--jobserver-auth=3,3") {
		t.Fatalf("MAKEFLAGS = %q", out)
	}
}

func TestSessionExecNamedHandoff(t *testing.T) {
	requireShell(t)
	cfg, dir := writeTestConfig(t)
	code, out, errOut := run(t, "session", "exec", "--config", cfg, "--named", "--",
		"sh", "-c", `printf '%s' "$MAKEFLAGS"`)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "--jobserver-auth=fifo:"+dir) {
		t.Fatalf("MAKEFLAGS = %q", out)
	}
}

func TestSessionExecPropagatesExitCode(t *testing.T) {
	requireShell(t)
	cfg, _ := writeTestConfig(t)
	code, _, _ := run(t, "session", "exec", "--config", cfg, "--", "sh", "-c", "exit 7")
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestSessionStatusAndLock(t *testing.T) {
	requireShell(t)
	cfg, dir := writeTestConfig(t)

	code, out, _ := run(t, "session", "status", "--config", cfg)
	if code != 0 || out != "no session running\n" {
		t.Fatalf("status: code=%d out=%q", code, out)
	}

	l, err := lock.AcquirePIDLock(filepath.Join(dir, "jobcell.lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	code, out, _ = run(t, "session", "status", "--config", cfg)
	if code != 0 || out != fmt.Sprintf("session running (pid %d)\n", os.Getpid()) {
		t.Fatalf("status while locked: code=%d out=%q", code, out)
	}

	code, _, _ = run(t, "session", "exec", "--config", cfg, "--", "sh", "-c", "true")
	if code != 1 {
		t.Fatalf("exec while locked: exit code = %d, want 1", code)
	}
}

func TestConfigCheckAndHash(t *testing.T) {
	cfg, dir := writeTestConfig(t)

	code, out, errOut := run(t, "config", "check", "--config", dir)
	if code != 0 {
		t.Fatalf("check exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "blake3: ") {
		t.Fatalf("check stdout = %q", out)
	}

	code, out, errOut = run(t, "config", "hash", "--config", cfg)
	if code != 0 {
		t.Fatalf("hash exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "Recorded 1 checksum(s)") {
		t.Fatalf("hash stdout = %q", out)
	}

	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("tracing:\n  file: \"\"\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	code, _, errOut = run(t, "config", "check", "--config", cfg)
	if code != 1 || !strings.Contains(errOut, "hash mismatch") {
		t.Fatalf("check after edit: code=%d stderr=%q", code, errOut)
	}

	if code, _, errOut = run(t, "config", "hash", "--config", cfg); code != 0 {
		t.Fatalf("rehash exit code = %d, stderr = %s", code, errOut)
	}
	if code, _, errOut = run(t, "config", "check", "--config", cfg); code != 0 {
		t.Fatalf("check after rehash: code=%d stderr=%s", code, errOut)
	}
}
