package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/jobcell/internal/config"
	"github.com/mattjoyce/jobcell/internal/doctor"
)

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printConfigNounHelp(stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs, stdout, stderr)
	case "hash":
		return runConfigHash(actionArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: jobcell config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, hash")
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("config check", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	report := doctor.New(cfg).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(report)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	} else {
		fmt.Fprint(stdout, doctor.FormatHuman(report))
		hash, err := config.ComputeBlake3Hash(cfg.SourcePath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to hash configuration: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "source: %s\n", cfg.SourcePath)
		fmt.Fprintf(stdout, "blake3: %s\n", hash)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// runConfigHash records the current hash without verifying the old one, so
// an intentionally edited config can be re-authorized. The new content must
// still parse.
func runConfigHash(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("config hash", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Parse(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	manifest, err := config.WriteChecksums(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to write checksums: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Recorded %d checksum(s) in %s\n", len(manifest.Hashes), config.ChecksumFile)
	return 0
}
