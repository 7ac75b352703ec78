// Package main is the entry point for the convene server and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "convene",
		Short: "Session orchestration and messaging for cooperating agents",
		Long: `Convene hosts multi-agent sessions. A session connects a fixed set of
agents through named threads; each agent talks to the server over MCP
using the secret it was issued when the session was created.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newAgentCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
