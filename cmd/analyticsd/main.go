// Command analyticsd runs the market microstructure analytics service and
// offers offline profile and indicator computations over JSONL files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "analyticsd",
		Short:         "Real-time market microstructure analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ANALYTICS_CONFIG"), "path to YAML config")

	root.AddCommand(
		newServeCmd(&configPath),
		newProfileCmd(),
		newIndicatorsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "analyticsd:", err)
		os.Exit(1)
	}
}
