package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emfacilities/emfac/cmd/emfac/commands"
	"github.com/emfacilities/emfac/logger"
)

var rootCmd = &cobra.Command{
	Use:   "emfac",
	Short: "emfac - streaming monitor and subset nodes for cryo-EM sessions",
	Long: `emfac runs the nodes that follow a microscope session while it is
still acquiring: subset nodes that pass a bounded or sampled share of a
growing set downstream, metric probes, the facility report and the
time-series sink.

Every node is one process driven by a polling loop. Its state lives in
the run directory, so a node killed mid-session resumes where it left off.

Available commands:
  run     - Run one node until it finishes
  status  - Show the sets, sidecar state and probe logs of a run
  config  - Write or inspect the node configuration
  version - Show build information

Examples:
  emfac config init -o counter.toml
  emfac run counter --config counter.toml
  emfac status /data/session42/counter`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// run commands re-initialise with their run directory once the config is loaded
		if err := logger.InitializeWithOptions(logger.Options{Verbosity: verbosity}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
