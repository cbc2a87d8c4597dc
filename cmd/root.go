// Package cmd provides the command-line interface of pfmailbox.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pfmailbox",
	Short: "pfmailbox exchanges messages between two PCIe physical functions.",
	Long: `pfmailbox exchanges messages between two PCIe physical functions ` +
		`through a hardware mailbox FIFO or a daemon-ferried software ` +
		`channel. It can run both ends in one process against a simulated ` +
		`FIFO, ferry messages for a real driver, and dump mailbox registers.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v",
		cfg.Verbose, "Log every message the mailboxes move.")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
