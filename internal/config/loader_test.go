package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				want := Defaults()
				if cfg.Jobserver != want.Jobserver {
					t.Errorf("jobserver = %+v, want %+v", cfg.Jobserver, want.Jobserver)
				}
				if cfg.Journal != want.Journal {
					t.Errorf("journal = %+v, want %+v", cfg.Journal, want.Journal)
				}
			},
		},
		{
			name: "explicit values",
			yaml: `
session:
  name: build
  log_level: debug
  lock_path: /tmp/build.lock
jobserver:
  jobs: 0
  inherit: false
  named: true
capture:
  eof_marker: ""
journal:
  path: /tmp/j.db
  max_output_bytes: 10
  retention: 48h
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Session.Name != "build" || cfg.Session.LogLevel != "debug" {
					t.Errorf("session not parsed: %+v", cfg.Session)
				}
				if cfg.Jobserver.Jobs != 0 || cfg.Jobserver.Inherit || !cfg.Jobserver.Named {
					t.Errorf("jobserver not parsed: %+v", cfg.Jobserver)
				}
				marker, err := cfg.Capture.Marker()
				if err != nil || len(marker) != 0 {
					t.Errorf("expected disabled marker, got %v, %v", marker, err)
				}
				if cfg.Journal.Retention != 48*time.Hour || cfg.Journal.MaxOutputBytes != 10 {
					t.Errorf("journal not parsed: %+v", cfg.Journal)
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
journal:
  path: ${JOBCELL_TEST_DATA}/journal.db
`,
			env: map[string]string{"JOBCELL_TEST_DATA": "/var/lib/jobcell"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Journal.Path != "/var/lib/jobcell/journal.db" {
					t.Errorf("journal.path = %q", cfg.Journal.Path)
				}
			},
		},
		{
			name:    "unresolved env var",
			yaml:    "tracing:\n  file: ${JOBCELL_TEST_UNSET_VAR}/spans.json\n",
			wantErr: "JOBCELL_TEST_UNSET_VAR",
		},
		{
			name:    "unknown key",
			yaml:    "jobserver:\n  slots: 3\n",
			wantErr: "slots",
		},
		{
			name:    "negative jobs",
			yaml:    "jobserver:\n  jobs: -1\n",
			wantErr: "jobserver.jobs",
		},
		{
			name:    "bad log level",
			yaml:    "session:\n  log_level: loud\n",
			wantErr: "session.log_level",
		},
		{
			name:    "bad eof marker",
			yaml:    "capture:\n  eof_marker: zz\n",
			wantErr: "capture.eof_marker",
		},
		{
			name:    "zero output cap",
			yaml:    "journal:\n  max_output_bytes: 0\n",
			wantErr: "max_output_bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "jobserver:\n  jobs: 2\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Jobserver.Jobs != 2 {
		t.Errorf("jobs = %d, want 2", cfg.Jobserver.Jobs)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without config.yaml")
	}
}
