package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// exitCode is set by commands that finish successfully but need a non-zero
// exit: 3 means the run left conflicts pending operator review.
var exitCode int

var envFile string

var rootCmd = &cobra.Command{
	Use:   "foxglove",
	Short: "Master entity resolution and relationship inference for pharma knowledge graphs",
	Long: `foxglove resolves identifier records from heterogeneous source systems
into canonical master entities and infers cross-domain relationships over
the resolved graph. The audit log is the system of record for every merge,
split and conflict.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to an env file (defaults to .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(inferCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
