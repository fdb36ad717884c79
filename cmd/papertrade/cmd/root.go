package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "Options paper-trading service",
	Long: `Papertrade executes simulated option trades against a live or synthetic
market feed, marks open positions to market on every tick and announces
executions, PnL updates and square-offs to connected clients.

Configuration is read from the environment (and an optional .env file).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
