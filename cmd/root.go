// Package cmd contains the driftkv command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/driftkv/driftkv/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "driftkv",
		Short: "distributed eventually-consistent key-value store",
		Long: fmt.Sprintf(`driftKV (v%s)

A distributed, sharded, eventually-consistent key-value store.
Writes are durably logged, timestamped by a hybrid logical clock and
continuously reconciled between peers by Merkle-tree anti-entropy.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of driftKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftKV v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
