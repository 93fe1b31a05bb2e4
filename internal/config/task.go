package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/jobcell/internal/runner"
)

// TaskFile describes one task invocation.
//
//	args: [cc, -c, main.c]
//	env:
//	  CC: clang
//	  CFLAGS: null     # unset for the task
//	stdin: "inline input"
//	stdin_file: ./input.txt
type TaskFile struct {
	Args      []string           `yaml:"args"`
	Env       map[string]*string `yaml:"env"`
	Stdin     *string            `yaml:"stdin"`
	StdinFile string             `yaml:"stdin_file"`

	dir string
}

// LoadTask reads a task file. ${VAR} references are expanded from the
// environment of the loading process.
func LoadTask(path string) (*TaskFile, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task path %q: %w", path, err)
	}
	tf := &TaskFile{}
	if err := decodeFile(absPath, tf); err != nil {
		return nil, err
	}
	tf.dir = filepath.Dir(absPath)

	if tf.Stdin != nil && tf.StdinFile != "" {
		return nil, fmt.Errorf("task %s: stdin and stdin_file are mutually exclusive", absPath)
	}
	for key := range tf.Env {
		if key == "" {
			return nil, fmt.Errorf("task %s: empty env key", absPath)
		}
	}
	return tf, nil
}

// Input returns the task's stdin bytes. stdin_file is resolved relative to
// the task file.
func (tf *TaskFile) Input() ([]byte, error) {
	if tf.Stdin != nil {
		return []byte(*tf.Stdin), nil
	}
	if tf.StdinFile == "" {
		return nil, nil
	}
	path := tf.StdinFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(tf.dir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stdin_file: %w", err)
	}
	return b, nil
}

// Task converts the file into a runner task. Env overrides are ordered by
// key so runs are reproducible.
func (tf *TaskFile) Task() (runner.Task, error) {
	input, err := tf.Input()
	if err != nil {
		return runner.Task{}, err
	}
	keys := make([]string, 0, len(tf.Env))
	for k := range tf.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]runner.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, runner.EnvVar{Key: k, Value: tf.Env[k]})
	}
	return runner.Task{Args: tf.Args, Input: input, Env: env}, nil
}
