// Package main implements the pulsectl CLI for manual operations against the pulsed HTTP server.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:   "pulsectl",
		Short: "CLI for pulsed HTTP server operations",
		Long: `pulsectl is a command-line interface for the pulsed HTTP server.
It sends events and heartbeats, reads event windows and analytics, and
wipes sessions.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", "http://localhost:9191", "pulsed server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(c),
		newSendCmd(c),
		newSyncCmd(c),
		newLeaveCmd(c),
		newStatusCmd(c),
		newWindowCmd(c),
		newAnalyticsCmd(c, "flow", "Show the session's flow state"),
		newAnalyticsCmd(c, "stuck", "Show whether the session looks stuck"),
		newAnalyticsCmd(c, "energy", "Show the session's energy score"),
		newAnalyticsCmd(c, "break", "Show a break suggestion, if any"),
		newWipeCmd(c),
	)
	return root
}
