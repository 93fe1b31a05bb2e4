// Package runner executes tasks under a jobserver token with their standard
// streams captured and their environment overrides applied.
//
// Streams and environment are process-wide, so the capture window of every
// task runs under capture.Lock. Tasks may be submitted concurrently; they
// hold tokens concurrently but execute one at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/jobcell/internal/capture"
	"github.com/mattjoyce/jobcell/internal/events"
	"github.com/mattjoyce/jobcell/internal/jobserver"
	"github.com/mattjoyce/jobcell/internal/log"
	"github.com/mattjoyce/jobcell/internal/tracing"
)

// DefaultEOFMarker is appended to every task's input.
var DefaultEOFMarker = []byte{0x1a}

// ErrNoClient reports Run on a runner built without a jobserver client.
var ErrNoClient = errors.New("runner: no jobserver client")

// Runner executes tasks with one Unit.
type Runner struct {
	client   *jobserver.Client
	unit     Unit
	dir      string
	eof      []byte
	flush    func() error
	recorder Recorder
	events   events.Publisher
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithCaptureDir places capture backing files in dir.
func WithCaptureDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithEOFMarker replaces DefaultEOFMarker. An empty marker feeds the input
// unterminated.
func WithEOFMarker(marker []byte) Option {
	return func(r *Runner) { r.eof = slices.Clone(marker) }
}

// WithFlush sets the hook run before stdout and stderr are redirected.
func WithFlush(fn func() error) Option {
	return func(r *Runner) { r.flush = fn }
}

// WithRecorder persists every finished task.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithEvents publishes token and task events.
func WithEvents(p events.Publisher) Option {
	return func(r *Runner) { r.events = p }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a runner for unit. client may be nil if only RunReserved is
// used.
func New(client *jobserver.Client, unit Unit, opts ...Option) (*Runner, error) {
	if unit == nil {
		return nil, errors.New("runner: unit is nil")
	}
	r := &Runner{
		client: client,
		unit:   unit,
		eof:    DefaultEOFMarker,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = tracing.Tracer()
	}
	if r.logger == nil {
		r.logger = log.WithComponent("runner")
	}
	return r, nil
}

// Run acquires a token, executes task and releases the token.
func (r *Runner) Run(ctx context.Context, task Task) (Result, error) {
	if r.client == nil {
		return Result{}, ErrNoClient
	}
	id := uuid.NewString()

	tok, err := r.client.Acquire(ctx)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("wait for token: %w", err)
	}
	r.publishToken(events.TokenAcquired, id)

	res, err := r.runReserved(ctx, id, task)
	return res, errors.Join(err, r.release(id, tok))
}

func (r *Runner) release(id string, tok *jobserver.Token) error {
	err := r.client.Release(tok)
	if err != nil {
		r.logger.Error("token release failed", "task_id", id, "error", err)
	}
	r.publishToken(events.TokenReleased, id)
	return err
}

// RunReserved executes task on a token the caller already holds, such as
// the implicit slot every jobserver participant owns.
func (r *Runner) RunReserved(ctx context.Context, task Task) (Result, error) {
	return r.runReserved(ctx, uuid.NewString(), task)
}

func (r *Runner) runReserved(ctx context.Context, id string, task Task) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "runner.task", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.StringSlice("task.args", task.Args),
	))
	r.publish(events.TaskStarted, events.TaskData{TaskID: id, Args: task.Args})

	start := time.Now()
	res, err := r.execute(ctx, task)
	res.ID = id
	res.Duration = time.Since(start)

	logger := r.logger.With("task_id", id)
	if err != nil {
		logger.Error("task failed to execute", "error", err)
		tracing.End(span, err)
		return res, err
	}

	span.SetAttributes(
		attribute.Bool("task.success", res.Success),
		attribute.Bool("task.aborted", res.Aborted),
		attribute.Int("task.stdout_bytes", len(res.Stdout)),
		attribute.Int("task.stderr_bytes", len(res.Stderr)),
	)
	data := events.TaskData{
		TaskID:     id,
		Success:    res.Success,
		Reason:     res.Reason,
		StdoutLen:  len(res.Stdout),
		StderrLen:  len(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Aborted {
		logger.Warn("task aborted", "reason", res.Reason, "stdout_bytes", len(res.Stdout), "stderr_bytes", len(res.Stderr))
		r.publish(events.TaskAborted, data)
	} else {
		logger.Info("task finished", "success", res.Success, "duration", res.Duration)
		r.publish(events.TaskFinished, data)
	}

	if r.recorder != nil {
		if recErr := r.recorder.RecordTask(ctx, task, res); recErr != nil {
			logger.Warn("task not recorded", "error", recErr)
			err = fmt.Errorf("record task: %w", recErr)
		}
	}
	tracing.End(span, err)
	return res, err
}

// outcome is what the unit goroutine hands back to execute.
type outcome struct {
	ok      bool
	aborted bool
	reason  string
	stdout  []byte
	stderr  []byte
	err     error
}

// execute runs the unit inside the capture window. All process-wide state
// is restored before it returns, whichever way the unit ended.
func (r *Runner) execute(ctx context.Context, task Task) (Result, error) {
	capture.Lock()
	defer capture.Unlock()

	env := snapshotEnv()
	defer func() { _ = env.restore() }()
	if err := applyEnv(task.Env); err != nil {
		return Result{}, err
	}

	var opts []capture.Option
	if r.flush != nil {
		opts = append(opts, capture.WithFlush(r.flush))
	}
	set, err := capture.NewSet(r.dir, opts...)
	if err != nil {
		return Result{}, fmt.Errorf("open capture: %w", err)
	}
	defer func() { _ = set.Close() }()

	input := make([]byte, 0, len(task.Input)+len(r.eof))
	input = append(append(input, task.Input...), r.eof...)
	if err := set.Start(input); err != nil {
		return Result{}, fmt.Errorf("start capture: %w", err)
	}

	done := make(chan outcome)
	go r.invoke(ctx, set, env, task.Args, done)
	o := <-done

	if o.aborted {
		res := Result{
			Aborted: true,
			Reason:  o.reason,
			Stdout:  o.stdout,
			Stderr:  o.stderr,
		}
		if o.err != nil {
			res.Reason = fmt.Sprintf("%s (teardown: %v)", o.reason, o.err)
		}
		return res, nil
	}

	stdout, stderr, stopErr := set.Stop()
	envErr := env.restore()
	res := Result{Success: o.ok, Stdout: stdout, Stderr: stderr}
	if err := errors.Join(stopErr, envErr); err != nil {
		return res, err
	}
	return res, nil
}

// invoke calls the unit. If the unit panics or calls runtime.Goexit, the
// deferred teardown recovers the streams and the environment on this
// goroutine and only then hands the partial output over. The send on the
// unbuffered done channel is the handshake: execute cannot proceed while
// teardown is still touching the backing files.
func (r *Runner) invoke(ctx context.Context, set *capture.Set, env *envSnapshot, args []string, done chan<- outcome) {
	var (
		ok       bool
		returned bool
	)
	defer func() {
		if returned {
			done <- outcome{ok: ok}
			return
		}
		reason := "unit exited without returning"
		if p := recover(); p != nil {
			reason = fmt.Sprint(p)
		}
		o := outcome{aborted: true, reason: reason}
		o.stdout, o.stderr, o.err = set.Recover()
		o.err = errors.Join(o.err, env.restore())
		done <- o
	}()

	ok = r.unit.Run(ctx, slices.Clone(args))
	returned = true
}

func (r *Runner) publish(eventType string, data events.TaskData) {
	if r.events != nil {
		r.events.Publish(eventType, data)
	}
}

func (r *Runner) publishToken(eventType, id string) {
	if r.events == nil {
		return
	}
	data := events.TokenData{TaskID: id, Available: -1}
	if n, err := r.client.Available(); err == nil {
		data.Available = n
	}
	r.events.Publish(eventType, data)
}
