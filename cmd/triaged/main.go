// Command triaged runs the issue triage daemon and its companion tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Overridden via -ldflags at release time.
var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "triaged",
		Short:   "AI-assisted issue analysis daemon",
		Version: version,
		Long: `triaged ingests reported issues, gathers cause and history context from
registered providers, runs an analysis engine over the evidence and streams
progress events to subscribers while recording the outcome.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("triaged " + version)
		},
	}
}
