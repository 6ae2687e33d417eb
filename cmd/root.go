// Package cmd contains the commands of the rwqueue binary.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand returns the rwqueue root command. Subcommands read their
// settings from flags, RWQUEUE_* environment variables, or rwqueue.yaml (in
// that order).
func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rwqueue",
		Short: "Bulk read/write request queue over a USB loopback function",
		Long: `rwqueue drives a bulk read/write request queue against an in-memory
USB loopback function. Writes are forwarded to the bulk OUT pipe, reads to the
bulk IN pipe, and every request is completed exactly once, including requests
cancelled by a suspend or teardown.`,
		SilenceUsage: true,
	}
}
