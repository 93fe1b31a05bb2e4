package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// maxJobs bounds the pool; a token file larger than this is a typo.
const maxJobs = 4096

// Load reads and parses configuration from a file. A directory is taken to
// contain config.yaml. Keys missing from the file keep their Defaults. A
// config listed in the .checksums file next to it must match its hash.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// Parse is Load without the checksum check, for re-hashing an edited config.
func Parse(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if verify {
		if err := VerifyChecksums(absPath); err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// decodeFile interpolates ${VAR} references and decodes strictly into out.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Session.LogLevel] {
		return fmt.Errorf("session.log_level must be one of: debug, info, warn, error (got %q)", cfg.Session.LogLevel)
	}
	if cfg.Session.LockPath == "" {
		return fmt.Errorf("session.lock_path is required")
	}

	if cfg.Jobserver.Jobs < 0 || cfg.Jobserver.Jobs > maxJobs {
		return fmt.Errorf("jobserver.jobs must be between 0 and %d (got %d)", maxJobs, cfg.Jobserver.Jobs)
	}

	if _, err := cfg.Capture.Marker(); err != nil {
		return err
	}

	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	if cfg.Journal.MaxOutputBytes <= 0 {
		return fmt.Errorf("journal.max_output_bytes must be positive")
	}
	if cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	paths := map[string]string{
		"session.lock_path": cfg.Session.LockPath,
		"jobserver.dir":     cfg.Jobserver.Dir,
		"capture.dir":       cfg.Capture.Dir,
		"journal.path":      cfg.Journal.Path,
		"tracing.file":      cfg.Tracing.File,
	}
	for key, value := range paths {
		if err := checkUnresolved(key, value); err != nil {
			return err
		}
	}
	return nil
}

// checkUnresolved rejects values that still carry a ${VAR} placeholder.
func checkUnresolved(key, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
	}
	return nil
}
