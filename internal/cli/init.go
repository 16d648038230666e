package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigYAML = `# offload config
# Priority: CLI flag > OFFLOAD_* env var > this file > default.

listen_addr: ":3000"
log_level:   "info"     # debug | info | warn | error
log_format:  "json"     # json | text

# Storage. An empty data_dir keeps tasks in memory only.
store:      "sqlite"    # sqlite | redis
data_dir:   ""
redis_addr: "localhost:6379"

# Dispatcher.
workers:        1       # more than 1 relaxes FIFO completion order
isolation:      "process"  # process | inline
queue_capacity: 0       # 0 = unbounded
poll_interval:  "1s"
task_timeout:   "5m"    # 0 disables the per-task deadline
stop_timeout:   "10s"
store_retry_max_elapsed: "30s"

# Retention of completed tasks. 0 keeps them forever.
retention:          "0s"
retention_schedule: "@every 1h"

# tls_cert: "/etc/offload/tls.crt"
# tls_key:  "/etc/offload/tls.key"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`

func newInitCmd(defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write the default configuration.

If --config is given the file is written to that path.
Otherwise it is written to ~/.%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, appName, appName),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, "."+appName, appName+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
