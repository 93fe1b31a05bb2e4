package runner

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrInvalidEnvKey reports an override key that cannot be set.
var ErrInvalidEnvKey = errors.New("runner: invalid environment key")

// envSnapshot holds the process environment as it was before a task's
// overrides. restore is idempotent so every exit path can call it.
type envSnapshot struct {
	vars map[string]string
	once sync.Once
	err  error
}

func snapshotEnv() *envSnapshot {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if _, dup := vars[k]; !dup {
			vars[k] = v
		}
	}
	return &envSnapshot{vars: vars}
}

func (s *envSnapshot) restore() error {
	s.once.Do(func() { s.err = s.reset() })
	return s.err
}

func (s *envSnapshot) reset() error {
	var errs []error
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		if _, keep := s.vars[k]; !keep {
			if err := os.Unsetenv(k); err != nil {
				errs = append(errs, fmt.Errorf("unset %s: %w", k, err))
			}
		}
	}
	for k, v := range s.vars {
		if cur, ok := os.LookupEnv(k); ok && cur == v {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", k, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("restore environment: %w", err)
	}
	return nil
}

func applyEnv(vars []EnvVar) error {
	for _, v := range vars {
		if v.Key == "" || strings.ContainsAny(v.Key, "=\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidEnvKey, v.Key)
		}
		var err error
		if v.Value == nil {
			err = os.Unsetenv(v.Key)
		} else {
			err = os.Setenv(v.Key, *v.Value)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", v.Key, err)
		}
	}
	return nil
}
