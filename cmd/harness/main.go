package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Harness is a JSON-RPC control plane for a coding agent.",
	Long: `Harness exposes threads, turns and approvals of a coding agent over
JSON-RPC 2.0 on stdin/stdout, one JSON message per line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// run executes the root command and returns the process exit code.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
