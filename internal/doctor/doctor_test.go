package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/jobcell/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Session.LockPath = filepath.Join(dir, "jobcell.lock")
	cfg.Jobserver.Inherit = false
	cfg.Jobserver.Dir = dir
	cfg.Capture.Dir = dir
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	return cfg
}

// clearMakeflags hides any jobserver advertised by the environment running
// the tests.
func clearMakeflags(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CARGO_MAKEFLAGS", "MAKEFLAGS", "MFLAGS"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_WarnEmptyPool(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Jobserver.Jobs = 0
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "jobserver", "no tokens")
}

func TestValidate_WarnNoEOFMarker(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Capture.EOFMarker = ""
	assertHasWarning(t, New(cfg).Validate(), "capture", "marker disabled")
}

func TestValidate_WarnZeroRetention(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Retention = 0
	assertHasWarning(t, New(cfg).Validate(), "journal", "removes every entry")
}

func TestValidate_WarnMissingEnvVar(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "session:\n  name: ${JOBCELL_DOCTOR_SURELY_UNSET}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.SourcePath = path
	assertHasWarning(t, New(cfg).Validate(), "env_vars", "${JOBCELL_DOCTOR_SURELY_UNSET}")
}

func TestValidate_BrokenInheritedJobserver(t *testing.T) {
	clearMakeflags(t)
	t.Setenv("MAKEFLAGS", "-j --jobserver-auth=fifo:"+filepath.Join(t.TempDir(), "missing"))

	cfg := validConfig(t)
	cfg.Jobserver.Inherit = true
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid result for unusable MAKEFLAGS")
	}
	assertHasError(t, r, "jobserver", "unusable")
}

func TestValidate_InheritWithoutJobserver(t *testing.T) {
	clearMakeflags(t)

	cfg := validConfig(t)
	cfg.Jobserver.Inherit = true
	if r := New(cfg).Validate(); !r.Valid {
		t.Fatalf("expected valid without MAKEFLAGS, got errors: %v", r.Errors)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "filesystem", Field: "journal.path", Message: "nfs"}},
		Warnings: []Issue{{Category: "journal", Message: "w"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatalf("FormatJSON() error = %v", err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"field": "journal.path"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
