// Command scanflowctl administers scan requests directly against the state
// store, without going through the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "develop"

// NewRootCmd creates the root command for scanflowctl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scanflowctl",
		Short: "Administer scanflow scan requests",
		Long: `scanflowctl reads and changes scan requests in the configured state store.

Configuration is read from the optional --config YAML file and SCANFLOW_*
environment variables, e.g. SCANFLOW_DB_DRIVER=sqlite SCANFLOW_DB_DSN=./scanflow.db.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", os.Getenv("SCANFLOW_CONFIG"), "Path to a YAML config file")
	cmd.PersistentFlags().StringP("output", "o", formatYAML, "Output format: yaml or json")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newFailCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newIngestCmd())

	return cmd
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
