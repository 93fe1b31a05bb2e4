package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/jobcell/internal/config"
	"github.com/mattjoyce/jobcell/internal/events"
	"github.com/mattjoyce/jobcell/internal/inspect"
	"github.com/mattjoyce/jobcell/internal/jobserver"
	"github.com/mattjoyce/jobcell/internal/journal"
	"github.com/mattjoyce/jobcell/internal/log"
	"github.com/mattjoyce/jobcell/internal/runner"
	"github.com/mattjoyce/jobcell/internal/storage"
	"github.com/mattjoyce/jobcell/internal/tracing"
)

func runTaskNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printTaskNounHelp(stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		return runTaskRun(actionArgs, stdout, stderr)
	case "log":
		return runTaskLog(actionArgs, stdout, stderr)
	case "show":
		return runTaskShow(actionArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func printTaskNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: jobcell task <action>")
	fmt.Fprintln(w, "Actions: run, log, show")
}

func setupLogging(cfg *config.Config, w io.Writer) {
	log.Setup(cfg.Session.LogLevel)
	log.SetLevel(cfg.Session.LogLevel)
	log.SetOutput(w)
}

// openClient joins an inherited jobserver when configured to and one is
// advertised, and otherwise creates a private pool.
func openClient(cfg *config.Config) (*jobserver.Client, error) {
	if cfg.Jobserver.Inherit {
		c, err := jobserver.FromEnv()
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, jobserver.ErrNoJobserver) {
			return nil, fmt.Errorf("join inherited jobserver: %w", err)
		}
	}
	return newPool(cfg)
}

func newPool(cfg *config.Config) (*jobserver.Client, error) {
	var opts []jobserver.Option
	if cfg.Jobserver.Dir != "" {
		opts = append(opts, jobserver.WithDir(cfg.Jobserver.Dir))
	}
	if cfg.Jobserver.Named {
		opts = append(opts, jobserver.WithNamedHandoff())
	}
	c, err := jobserver.New(cfg.Jobserver.Jobs, opts...)
	if err != nil {
		return nil, fmt.Errorf("create token pool: %w", err)
	}
	return c, nil
}

func openJournal(ctx context.Context, cfg *config.Config) (*journal.Journal, func() error, error) {
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		return nil, nil, err
	}
	j := journal.New(db, journal.WithMaxOutputBytes(cfg.Journal.MaxOutputBytes))
	return j, db.Close, nil
}

type taskRunFlags struct {
	configPath string
	unit       string
	taskPath   string
	stdinPath  string
	env        []string
	unset      []string
	jobs       int
	repeat     int
	reserved   bool
	events     bool
	noJournal  bool
}

func runTaskRun(args []string, stdout, stderr io.Writer) int {
	var f taskRunFlags
	fs := pflag.NewFlagSet("task run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&f.unit, "unit", "echo", "Built-in unit to run ("+strings.Join(unitNames(), ", ")+")")
	fs.StringVar(&f.taskPath, "task", "", "Task file (args, env, stdin)")
	fs.StringVar(&f.stdinPath, "stdin", "", "File fed to the unit as input; - reads this process's stdin")
	fs.StringArrayVar(&f.env, "env", nil, "KEY=VALUE override for the task (repeatable)")
	fs.StringArrayVar(&f.unset, "unset", nil, "Variable to unset for the task (repeatable)")
	fs.IntVar(&f.jobs, "jobs", 0, "Create a private pool of N tokens instead of joining an inherited one")
	fs.IntVar(&f.repeat, "repeat", 1, "Run the task N times")
	fs.BoolVar(&f.reserved, "reserved", false, "Run on the implicit slot without acquiring a token")
	fs.BoolVar(&f.events, "events", false, "Print token and task events to stderr")
	fs.BoolVar(&f.noJournal, "no-journal", false, "Do not record tasks in the journal")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}
	if f.repeat < 1 {
		fmt.Fprintln(stderr, "--repeat must be at least 1")
		return 1
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if fs.Changed("jobs") {
		cfg.Jobserver.Jobs = f.jobs
		cfg.Jobserver.Inherit = false
	}

	task, err := buildTask(f, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Invalid task: %v\n", err)
		return 1
	}
	marker, err := cfg.Capture.Marker()
	if err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return 1
	}
	unit, err := lookupUnit(f.unit, marker)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	setupLogging(cfg, stderr)
	logger := log.WithComponent("main")

	shutdownTracing, err := tracing.Init(cfg.Session.Name, version, cfg.Tracing.File)
	if err != nil {
		logger.Error("failed to initialize tracing", "file", cfg.Tracing.File, "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *jobserver.Client
	if !f.reserved {
		client, err = openClient(cfg)
		if err != nil {
			logger.Error("failed to open jobserver", "error", err)
			return 1
		}
		defer client.Close()
		logger.Debug("jobserver ready", "handoff", client.StringArg(), "mode", client.Mode().String())
	}

	hub := events.NewHub(256)
	opts := []runner.Option{
		runner.WithCaptureDir(cfg.Capture.Dir),
		runner.WithEOFMarker(marker),
		runner.WithEvents(hub),
	}
	if !f.noJournal {
		j, closeDB, err := openJournal(ctx, cfg)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer closeDB()
		opts = append(opts, runner.WithRecorder(j))
	}

	r, err := runner.New(client, unit, opts...)
	if err != nil {
		logger.Error("failed to create runner", "error", err)
		return 1
	}

	var (
		collected []events.Event
		collectWG sync.WaitGroup
		unsub     func()
	)
	if f.events {
		var ch <-chan events.Event
		ch, unsub = hub.Subscribe()
		collectWG.Add(1)
		go func() {
			defer collectWG.Done()
			for ev := range ch {
				collected = append(collected, ev)
			}
		}()
	}

	tasks := make([]runner.Task, f.repeat)
	for i := range tasks {
		tasks[i] = task
	}

	exitCode := 0
	for _, br := range runTasks(ctx, r, tasks, f.reserved) {
		_, _ = stdout.Write(br.Stdout)
		_, _ = stderr.Write(br.Stderr)
		if br.Err != nil {
			logger.Error("task failed to run", "task_id", br.ID, "error", br.Err)
			exitCode = 1
			continue
		}
		if br.Aborted {
			fmt.Fprintf(stderr, "task %s aborted: %s\n", br.ID, br.Reason)
		}
		if !br.Success {
			exitCode = 1
		}
	}

	if f.events {
		unsub()
		collectWG.Wait()
		for _, ev := range collected {
			fmt.Fprintf(stderr, "%s %s\n", ev.Type, ev.Data)
		}
		if n := hub.Dropped(); n > 0 {
			logger.Warn("events dropped", "count", n)
		}
	}
	return exitCode
}

// runTasks runs tasks on the implicit slot one after another when reserved,
// and otherwise lets the pool decide how many run at once.
func runTasks(ctx context.Context, r *runner.Runner, tasks []runner.Task, reserved bool) []runner.BatchResult {
	if !reserved {
		return r.RunBatch(ctx, tasks)
	}
	out := make([]runner.BatchResult, 0, len(tasks))
	for _, task := range tasks {
		res, err := r.RunReserved(ctx, task)
		out = append(out, runner.BatchResult{Result: res, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// buildTask layers flags over the task file: positional args are appended,
// --stdin replaces the file's input and --env/--unset apply after its env.
func buildTask(f taskRunFlags, positional []string) (runner.Task, error) {
	var task runner.Task
	if f.taskPath != "" {
		tf, err := config.LoadTask(f.taskPath)
		if err != nil {
			return runner.Task{}, err
		}
		if task, err = tf.Task(); err != nil {
			return runner.Task{}, err
		}
	}
	task.Args = append(task.Args, positional...)

	switch f.stdinPath {
	case "":
	case "-":
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return runner.Task{}, fmt.Errorf("read stdin: %w", err)
		}
		task.Input = in
	default:
		in, err := os.ReadFile(f.stdinPath)
		if err != nil {
			return runner.Task{}, fmt.Errorf("read --stdin: %w", err)
		}
		task.Input = in
	}

	for _, kv := range f.env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return runner.Task{}, fmt.Errorf("--env %q: want KEY=VALUE", kv)
		}
		task.Env = append(task.Env, runner.Set(key, value))
	}
	for _, key := range f.unset {
		task.Env = append(task.Env, runner.Unset(key))
	}
	return task, nil
}

func runTaskLog(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("task log", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum entries to list")
	jsonOut := fs.Bool("json", false, "Output entries as JSON")
	prune := fs.Bool("prune", false, "Delete entries older than journal.retention first")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg, stderr)

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer closeDB()

	if *prune {
		n, err := j.Prune(ctx, cfg.Journal.Retention)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to prune journal: %v\n", err)
			return 1
		}
		log.WithComponent("journal").Info("pruned journal", "removed", n, "retention", cfg.Journal.Retention.String())
	}

	entries, err := j.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		reports := make([]*inspect.Report, 0, len(entries))
		for _, e := range entries {
			reports = append(reports, inspect.FromEntry(e, false))
		}
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	for _, e := range entries {
		note := ""
		if e.Truncated() {
			note = " (truncated)"
		}
		fmt.Fprintf(stdout, "%s  %-9s  %s  %6dms  %s%s\n",
			e.ID, e.Status, e.StartedAt.UTC().Format(time.RFC3339), e.Duration.Milliseconds(),
			strings.Join(e.Args, " "), note)
	}
	return 0
}

func runTaskShow(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("task show", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the entry as JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: jobcell task show <id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	setupLogging(cfg, stderr)

	ctx := context.Background()
	j, closeDB, err := openJournal(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer closeDB()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, j, fs.Arg(0))
	} else {
		out, err = inspect.BuildReport(ctx, j, fs.Arg(0))
	}
	if errors.Is(err, journal.ErrEntryNotFound) {
		fmt.Fprintf(stderr, "No task %s in journal\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to build report: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, strings.TrimRight(out, "\n")+"\n")
	return 0
}
