package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/worklets/internal/cmd"
	"github.com/3leaps/worklets/internal/observability"
)

// Set via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		cmd.ExitWithCode(observability.CLILogger, cmd.ExitCode(err), "Command failed", err)
	}
}
