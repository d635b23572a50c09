package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/internal/app"
	"github.com/relaylabs/batchrelay/internal/observability"
	"github.com/relaylabs/batchrelay/pkg/engine"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <event.json>",
	Short: "Run one invocation from an event file",
	Long: `Run one invocation from a JSON event file and print the response.

The event has the same shape the deployed entry point receives:

  {"cache_key": "k1", "dump": "...", "kwargs": {"image": ["python:3.12"], "script": ["..."]}}

Because the engine is level-triggered, re-running the same event advances the
job one step each time until a terminal response (200, 400, 422) appears.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read event file: %w", err)
	}

	var req engine.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse event file: %w", err)
	}

	eng, _, err := app.Build(ctx, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to build engine", zap.Error(err))
		return err
	}

	resp := eng.Handle(ctx, req)

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
