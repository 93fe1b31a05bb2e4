package runner

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/jobcell/internal/runner Unit,Recorder

// Unit is the work a task runs. It reads descriptor 0 and writes
// descriptors 1 and 2 as a standalone program would, and reports success.
type Unit interface {
	Run(ctx context.Context, args []string) bool
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context, args []string) bool

func (f UnitFunc) Run(ctx context.Context, args []string) bool { return f(ctx, args) }

// EnvVar is one environment override. A nil Value unsets Key for the
// duration of the task.
type EnvVar struct {
	Key   string
	Value *string
}

// Set returns an override that sets key to value.
func Set(key, value string) EnvVar {
	return EnvVar{Key: key, Value: &value}
}

// Unset returns an override that removes key.
func Unset(key string) EnvVar {
	return EnvVar{Key: key}
}

// Task is one invocation of a unit.
type Task struct {
	Args  []string
	Input []byte
	// Env overrides are applied in order.
	Env []EnvVar
}

// Result is the outcome of a task. Aborted is set when the unit panicked or
// exited its goroutine without returning; Stdout and Stderr then hold what
// it wrote before that.
type Result struct {
	ID       string
	Success  bool
	Aborted  bool
	Reason   string
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Recorder persists finished tasks. It is called after the capture window
// has closed.
type Recorder interface {
	RecordTask(ctx context.Context, task Task, res Result) error
}
