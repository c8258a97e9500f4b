// Package main is the entrypoint for the pi-brain CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "pi-brain",
		Short: "Extract durable knowledge from coding-agent session logs",
		Long: `pi-brain watches a hub of coding-agent session logs, analyzes each one as
it settles, and builds a queryable graph of decisions, lessons, and
recurring model/tool quirks.

Quick Start:
  pi-brain start    Run the daemon in the foreground
  pi-brain status   See what's queued, running, and learned
  pi-brain ingest   Analyze one session file on demand`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(versionCmd())
	root.AddCommand(startCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(promptCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pi-brain version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pi-brain %s\n", Version)
			return nil
		},
	}
}
