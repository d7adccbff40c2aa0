// Command aidir-jobs runs the directory's bulk content jobs from a shell or
// a cron entry, and hosts the queue worker for the Redis backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cexll/aidir/internal/config"
	"github.com/cexll/aidir/internal/llm"
	"github.com/cexll/aidir/internal/logging"
)

var (
	loadDotEnv  = godotenv.Load
	loadConfig  = config.LoadForJobs
	newLogger   = logging.New
	newProvider = llm.NewProvider
)

func main() {
	_ = loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "aidir-jobs",
		Short:         "Run bulk content jobs against the tool directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newKindsCommand())
	root.AddCommand(newHistoryCommand())
	root.AddCommand(newWorkerCommand())
	return root
}
