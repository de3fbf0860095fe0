// Package main is the entry point for the taskpipe runner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/taskpipe/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, code, ok := parseFlags(os.Args[1:])
	if !ok {
		return code
	}

	application, err := app.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Ensure cleanup on all exit paths
	defer application.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, app.ErrInterrupted) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// parseFlags returns ok false when the process should exit with code.
func parseFlags(args []string) (app.Options, int, bool) {
	var opts app.Options
	var showVersion bool

	fs := flag.NewFlagSet("taskpipe", flag.ContinueOnError)
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	fs.BoolVar(&opts.Watch, "watch", false, "Re-run the manifest when it changes")
	fs.BoolVar(&opts.Watch, "w", false, "Re-run the manifest when it changes (shorthand)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&showVersion, "version", false, "Show version information")
	fs.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "taskpipe - run programs with inherited pipes\n\n")
		fmt.Fprintf(os.Stderr, "Usage: taskpipe [options] manifest.yaml\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taskpipe tasks.yaml                 Run every task once\n")
		fmt.Fprintf(os.Stderr, "  taskpipe -w tasks.yaml              Re-run on every change\n")
		fmt.Fprintf(os.Stderr, "  taskpipe -c taskpipe.toml tasks.yaml\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, 0, false
		}
		return opts, 2, false
	}

	if showVersion {
		fmt.Printf("taskpipe %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return opts, 0, false
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return opts, 2, false
	}
	opts.ManifestPath = fs.Arg(0)
	return opts, 0, true
}
