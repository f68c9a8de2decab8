// Package cmd defines and implements the CLI commands for the adcapture
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adcapture",
		Short: "Ad placement screenshot capture service.",
		Long: `adcapture captures screenshots of ad placements on publisher pages.
Batches of ad records flow through durable priority queues into a pool of
browser workers; each worker navigates the page, waits for the placement to
render, captures it, and hands the artifact off for downstream processing.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults used when unset)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSubmitCmd())
	return cmd
}

// Execute is the entry point called by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
