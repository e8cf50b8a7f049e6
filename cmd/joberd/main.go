// Command joberd is the job scheduling daemon: it loads a YAML job document,
// executes and schedules the jobs, and serves the jober HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joberd/jober/internal/target"
)

const version = "0.1.0"

func main() {
	// A process-mode callable re-execution must short-circuit here, before
	// any daemon setup runs.
	target.MaybeBootstrap()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	return rootCmd().ExecuteContext(ctx)
}
