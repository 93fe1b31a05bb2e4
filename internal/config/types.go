package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Config is the jobcell configuration file.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Jobserver JobserverConfig `yaml:"jobserver"`
	Capture   CaptureConfig   `yaml:"capture"`
	Journal   JournalConfig   `yaml:"journal"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// SessionConfig holds process-level settings.
type SessionConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LockPath string `yaml:"lock_path"`
}

// JobserverConfig sizes the token pool.
type JobserverConfig struct {
	// Jobs is the number of tokens beyond the implicit slot.
	Jobs int `yaml:"jobs"`
	// Inherit joins a jobserver advertised in MAKEFLAGS instead of creating
	// a pool.
	Inherit bool   `yaml:"inherit"`
	Named   bool   `yaml:"named"`
	Dir     string `yaml:"dir"`
}

// CaptureConfig controls stream capture.
type CaptureConfig struct {
	Dir string `yaml:"dir"`
	// EOFMarker is hex; empty disables the marker.
	EOFMarker string `yaml:"eof_marker"`
}

// Marker decodes EOFMarker.
func (c CaptureConfig) Marker() ([]byte, error) {
	b, err := hex.DecodeString(c.EOFMarker)
	if err != nil {
		return nil, fmt.Errorf("capture.eof_marker %q: %w", c.EOFMarker, err)
	}
	return b, nil
}

// JournalConfig controls the task journal.
type JournalConfig struct {
	Path           string        `yaml:"path"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	Retention      time.Duration `yaml:"retention"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	File string `yaml:"file"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			Name:     "jobcell",
			LogLevel: "info",
			LockPath: "./data/jobcell.lock",
		},
		Jobserver: JobserverConfig{
			Jobs:    4,
			Inherit: true,
		},
		Capture: CaptureConfig{
			EOFMarker: "1a",
		},
		Journal: JournalConfig{
			Path:           "./data/journal.db",
			MaxOutputBytes: 64 * 1024,
			Retention:      30 * 24 * time.Hour,
		},
	}
}
