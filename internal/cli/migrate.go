package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQLite schema migrations",
	Long: `Open the SQLite database under --data-dir and apply pending schema
migrations. serve does the same on startup; migrate lets an operator do it
ahead of a rollout.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dataDir := viper.GetString("data_dir")
	if dataDir == "" {
		return errors.New("migrate needs --data-dir; the in-memory store has nothing to migrate")
	}

	path, err := store.SQLitePath(dataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", path, err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrations complete: %s\n", path)
	return nil
}
