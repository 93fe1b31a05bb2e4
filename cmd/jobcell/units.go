package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/jobcell/internal/runner"
)

// Built-in units write to the process's standard streams, which the runner
// has redirected for the duration of the task.
var builtinUnits = map[string]func(marker []byte) runner.Unit{
	"echo":  func([]byte) runner.Unit { return runner.UnitFunc(echoUnit) },
	"cat":   catUnit,
	"env":   func([]byte) runner.Unit { return runner.UnitFunc(envUnit) },
	"fail":  func([]byte) runner.Unit { return runner.UnitFunc(failUnit) },
	"abort": func([]byte) runner.Unit { return runner.UnitFunc(abortUnit) },
}

func unitNames() []string {
	names := make([]string, 0, len(builtinUnits))
	for name := range builtinUnits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupUnit(name string, marker []byte) (runner.Unit, error) {
	mk, ok := builtinUnits[name]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q (available: %s)", name, strings.Join(unitNames(), ", "))
	}
	return mk(marker), nil
}

func echoUnit(_ context.Context, args []string) bool {
	_, err := fmt.Fprintln(os.Stdout, strings.Join(args, " "))
	return err == nil
}

// catUnit copies stdin to stdout, dropping the end-of-input marker.
func catUnit(marker []byte) runner.Unit {
	return runner.UnitFunc(func(_ context.Context, _ []string) bool {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cat: %v\n", err)
			return false
		}
		if len(marker) > 0 {
			in = bytes.TrimSuffix(in, marker)
		}
		_, err = os.Stdout.Write(in)
		return err == nil
	})
}

// envUnit prints KEY=VALUE for each named variable, or "KEY unset".
func envUnit(_ context.Context, args []string) bool {
	for _, key := range args {
		if v, ok := os.LookupEnv(key); ok {
			fmt.Fprintf(os.Stdout, "%s=%s\n", key, v)
		} else {
			fmt.Fprintf(os.Stdout, "%s unset\n", key)
		}
	}
	return true
}

func failUnit(_ context.Context, args []string) bool {
	msg := "failed"
	if len(args) > 0 {
		msg = strings.Join(args, " ")
	}
	fmt.Fprintln(os.Stderr, msg)
	return false
}

func abortUnit(_ context.Context, args []string) bool {
	fmt.Fprintln(os.Stdout, "aborting")
	panic("abort: " + strings.Join(args, " "))
}
