package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/conditions-agent/tool/mcp"
)

func mcpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the loan-conditions tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol.
			settings, err := loadSettings(*configPath, os.Stderr)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, settings)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			a.logger.Info("serving MCP tools on stdio", "version", version)
			return mcp.ServeStdio(ctx, mcp.NewServer(a.tools.Registry(), version))
		},
	}
}
