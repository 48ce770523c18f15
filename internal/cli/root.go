// Package cli implements the grps command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "grps",
	Short: "GRPS — generic realtime prediction service",
	Long: `GRPS serves machine-learning models behind a unified HTTP and gRPC
predict interface, with dynamic batching, pipelines and built-in monitoring.

Run it from a deployment directory holding conf/server.yml and
conf/inference.yml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
