package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List the routes this binary can run",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, r := range newRegistry().Routes() {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
	},
}
