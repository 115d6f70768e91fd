// Command jobctl is the operator CLI for the job queue.
//
//	migrate   apply schema migrations
//	enqueue   create a job
//	list      list jobs by type, status or priority
//	get       show one job with its error history
//	stats     count jobs by status
//	retry     requeue a dead or failed job
//	cleanup   delete old completed jobs
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and operate the job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		migrateCmd(),
		enqueueCmd(),
		listCmd(),
		getCmd(),
		statsCmd(),
		retryCmd(),
		cleanupCmd(),
	)

	if err := root.Execute(); err != nil {
		logger, lerr := logging.New("error", "console")
		if lerr != nil {
			logger = zap.NewNop()
		}
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
