package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/conditions-agent/api"
	"github.com/sweetpotato0/conditions-agent/runner"
)

func runCmd(configPath *string) *cobra.Command {
	var (
		workflow    string
		requestPath string
		stream      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one evaluation request and print the result",
		Long: `Run reads an evaluation request in the JSON shape accepted by the HTTP API,
executes it once and prints the final state. With --stream every completed
step is printed as one JSON line instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRequest(cmd.InOrStdin(), requestPath)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cmd.OutOrStdout(), *configPath, workflow, req, stream)
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", runner.WorkflowLinear, "Workflow to run (linear, rewoo)")
	cmd.Flags().StringVarP(&requestPath, "request", "r", "-", "Request JSON file, - for stdin")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print step events as they complete")
	return cmd
}

func readRequest(stdin io.Reader, path string) (*api.EvaluateRequest, error) {
	var raw []byte
	var err error
	if path == "" || path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	var req api.EvaluateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func runOnce(parent context.Context, out io.Writer, configPath, workflow string, req *api.EvaluateRequest, stream bool) error {
	if workflow != runner.WorkflowLinear && workflow != runner.WorkflowReWOO {
		return fmt.Errorf("unknown workflow %q", workflow)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings(configPath, os.Stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	enc := json.NewEncoder(out)
	if stream {
		seq := a.runner.StreamLinear(ctx, req.Linear())
		if workflow == runner.WorkflowReWOO {
			seq = a.runner.StreamReWOO(ctx, req.ReWOO())
		}
		for e, err := range seq {
			if err != nil {
				return err
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	enc.SetIndent("", "  ")
	if workflow == runner.WorkflowReWOO {
		final, err := a.runner.RunReWOO(ctx, req.ReWOO())
		if err != nil {
			return err
		}
		return enc.Encode(final)
	}
	final, err := a.runner.RunLinear(ctx, req.Linear())
	if err != nil {
		return err
	}
	return enc.Encode(final)
}
