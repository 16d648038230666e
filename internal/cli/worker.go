package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/executor"
)

// workerCmd is the child side of process isolation: serve exactly one task
// over stdin/stdout and exit.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single task read from stdin (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		// Stdout carries protocol frames only. Anything a handler prints goes
		// to stderr, which the parent keeps for failure descriptions.
		protocol := os.Stdout
		os.Stdout = os.Stderr

		cfg := config.Load(viper.GetViper())
		logger := buildLogger(os.Stderr, cfg).With("worker_id", os.Getenv(executor.EnvWorkerID))

		// The parent kills the worker on timeout; SIGTERM from an operator
		// cancels the handler context.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		return executor.ServeWorker(ctx, os.Stdin, protocol, newRegistry(), logger)
	},
}
