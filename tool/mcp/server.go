// Package mcp serves a tool registry over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/tool"
)

// NewServer builds an MCP server exposing every tool of registry.
func NewServer(registry *tool.Registry, version string) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "conditions-agent",
		Version: version,
		Title:   "Loan conditions tools",
	}, nil)

	logger := logging.WithComponent("mcp")
	for _, t := range registry.List() {
		server.AddTool(&sdkmcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema(),
		}, handler(registry, t.Name, logger))
	}
	return server
}

// ServeStdio runs server on stdin/stdout until ctx is done or the client
// disconnects.
func ServeStdio(ctx context.Context, server *sdkmcp.Server) error {
	return server.Run(ctx, &sdkmcp.StdioTransport{})
}

func handler(registry *tool.Registry, name string, logger *slog.Logger) sdkmcp.ToolHandler {
	return func(ctx context.Context, req *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult("invalid arguments: " + err.Error()), nil
			}
		}

		out, err := registry.Execute(ctx, name, args)
		if err != nil {
			logger.Warn("tool call failed", "tool", name, "error", err)
			return errorResult(err.Error()), nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return errorResult("encode result: " + err.Error()), nil
		}
		logger.Info("tool call completed", "tool", name)
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(raw)}},
		}, nil
	}
}

func errorResult(msg string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: msg}},
	}
}
