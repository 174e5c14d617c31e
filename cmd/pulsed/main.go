// Pulsed is the context ingestion and session arbitration daemon.
//
// It accepts encrypted context events from developer tools over HTTP,
// elects the active client per session, and serves behavioral analytics
// computed from the stored events.
//
// Configuration is loaded from ~/.config/pulsed/config.yaml and PULSED_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Create a key ring, then start the daemon
//	pulsed keygen
//	pulsed serve
//
//	# Rotate the vault key; a running daemon reloads it
//	pulsed keygen --rotate
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "pulsed",
		Short: "Context ingestion and session arbitration daemon",
		Long: `pulsed stores encrypted context events from editors, terminals and
browsers, arbitrates which client is active for a session, and serves
flow, stuck, energy and break analytics over HTTP.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/pulsed/config.yaml)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newKeygenCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "pulsed by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
