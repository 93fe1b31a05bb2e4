package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/jobcell/internal/lock"
	"github.com/mattjoyce/jobcell/internal/log"
)

func runSessionNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printSessionNounHelp(stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSessionNounHelp(stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "exec":
		return runSessionExec(actionArgs, stdout, stderr)
	case "status":
		return runSessionStatus(actionArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown session action: %s\n", action)
		return 1
	}
}

func printSessionNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: jobcell session <action>")
	fmt.Fprintln(w, "Actions: exec, status")
}

// runSessionExec owns a token pool for the life of one command. The child
// and everything it spawns share the pool through MAKEFLAGS.
func runSessionExec(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("session exec", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jobs := fs.Int("jobs", 0, "Tokens in the pool (overrides jobserver.jobs)")
	named := fs.Bool("named", false, "Advertise the pool as fifo:PATH")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}
	command := fs.Args()
	if len(command) == 0 {
		fmt.Fprintln(stderr, "Usage: jobcell session exec [--config PATH] [--jobs N] [--named] -- CMD [ARGS...]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if fs.Changed("jobs") {
		cfg.Jobserver.Jobs = *jobs
	}
	if *named {
		cfg.Jobserver.Named = true
	}

	setupLogging(cfg, stderr)
	logger := log.WithComponent("session")

	pidLock, err := lock.AcquirePIDLock(cfg.Session.LockPath)
	if err != nil {
		logger.Error("failed to acquire session lock (another session may be running)", "path", cfg.Session.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	client, err := newPool(cfg)
	if err != nil {
		logger.Error("failed to create token pool", "error", err)
		return 1
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	client.ConfigureEnv(cmd)

	logger.Info("session started", "command", command[0], "jobs", cfg.Jobserver.Jobs, "handoff", client.StringArg())
	runErr := cmd.Run()

	if avail, err := client.Available(); err != nil {
		logger.Warn("failed to count returned tokens", "error", err)
	} else if avail < cfg.Jobserver.Jobs {
		logger.Warn("session ended with tokens outstanding", "missing", cfg.Jobserver.Jobs-avail)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		logger.Info("session finished", "command", command[0])
		return 0
	case errors.As(runErr, &exitErr):
		code := exitErr.ExitCode()
		logger.Info("session finished", "command", command[0], "exit_code", code)
		if code < 0 {
			return 1
		}
		return code
	default:
		logger.Error("failed to run session command", "command", command[0], "error", runErr)
		return 1
	}
}

func runSessionStatus(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("session status", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
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

	l, err := lock.AcquirePIDLock(cfg.Session.LockPath)
	if errors.Is(err, lock.ErrLocked) {
		if pid, ok := lock.Holder(cfg.Session.LockPath); ok {
			fmt.Fprintf(stdout, "session running (pid %d)\n", pid)
		} else {
			fmt.Fprintln(stdout, "session running")
		}
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to check session lock: %v\n", err)
		return 1
	}
	_ = l.Release()
	fmt.Fprintln(stdout, "no session running")
	return 0
}
