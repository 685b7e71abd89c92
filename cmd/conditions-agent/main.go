// Package main is the conditions-agent binary: the HTTP orchestrator, a
// one-shot runner, the MCP tool server and schema migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "conditions-agent",
		Short:         "Loan conditions workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); CONDAGENT_* env vars override it")

	cmd.AddCommand(
		serveCmd(&configPath),
		runCmd(&configPath),
		mcpCmd(&configPath),
		migrateCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "conditions-agent version %s\n", version)
			},
		},
	)
	return cmd
}
