// Package cli implements the Atmosphere command-line interface using Cobra.
// The node-operator surface is deliberately small: serve and version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "atmosphere",
	Short: "Atmosphere — peer-to-peer capability mesh",
	Long: `Atmosphere is a node in a peer-to-peer capability mesh: it gossips
capability and cost state with its peers, routes intents through a
cost-weighted cascade, and replicates subscribed knowledge domains from
whichever peer already holds them.`,
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
