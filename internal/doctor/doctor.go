// Package doctor checks a loaded jobcell configuration against the host it
// will run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/jobcell/internal/config"
	"github.com/mattjoyce/jobcell/internal/jobserver"
	"github.com/mattjoyce/jobcell/internal/localfs"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the local environment.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateFilesystems(r)
	d.validateInheritedJobserver(r)
	d.warnEmptyPool(r)
	d.warnNoEOFMarker(r)
	d.warnRetention(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateFilesystems rejects state on network filesystems: the token file
// and lock use flock(2) and the journal uses SQLite locking.
func (d *Doctor) validateFilesystems(r *Result) {
	paths := []struct {
		field string
		path  string
	}{
		{"session.lock_path", filepath.Dir(d.cfg.Session.LockPath)},
		{"jobserver.dir", d.cfg.Jobserver.Dir},
		{"capture.dir", d.cfg.Capture.Dir},
		{"journal.path", d.cfg.Journal.Path},
	}
	for _, p := range paths {
		if p.path == "" {
			continue
		}
		if err := localfs.Require(p.path); err != nil {
			d.addError(r, "filesystem", p.field, err.Error())
		}
	}
}

// validateInheritedJobserver joins and releases an advertised jobserver so
// a stale MAKEFLAGS is reported before a task blocks on it.
func (d *Doctor) validateInheritedJobserver(r *Result) {
	if !d.cfg.Jobserver.Inherit {
		return
	}
	c, err := jobserver.FromEnv()
	if errors.Is(err, jobserver.ErrNoJobserver) {
		return
	}
	if err != nil {
		d.addError(r, "jobserver", "jobserver.inherit",
			fmt.Sprintf("inherited jobserver is unusable: %v", err))
		return
	}
	_ = c.Close()
}

func (d *Doctor) warnEmptyPool(r *Result) {
	if d.cfg.Jobserver.Jobs == 0 {
		d.addWarning(r, "jobserver", "jobserver.jobs",
			"a created pool holds no tokens; only tasks on the implicit slot can run")
	}
}

func (d *Doctor) warnNoEOFMarker(r *Result) {
	if d.cfg.Capture.EOFMarker == "" {
		d.addWarning(r, "capture", "capture.eof_marker",
			"end-of-input marker disabled; units see plain end-of-file")
	}
}

func (d *Doctor) warnRetention(r *Result) {
	if d.cfg.Journal.Retention == 0 {
		d.addWarning(r, "journal", "journal.retention",
			"retention is zero; task log --prune removes every entry")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references in the config file where
// VAR is not set. Path fields are already rejected by config validation.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	data, err := os.ReadFile(d.cfg.SourcePath)
	if err != nil {
		d.addWarning(r, "env_vars", "", fmt.Sprintf("cannot re-read config: %v", err))
		return
	}
	seen := make(map[string]bool)
	for _, m := range envVarRe.FindAllStringSubmatch(string(data), -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := os.LookupEnv(name); !ok {
			d.addWarning(r, "env_vars", "", fmt.Sprintf("environment variable ${%s} not set", name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
