package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/internal/app"
	"github.com/relaylabs/batchrelay/internal/observability"
	"github.com/relaylabs/batchrelay/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine behind a local HTTP endpoint",
	Long: `Run the orchestration engine behind a local HTTP endpoint.

POST /invoke accepts the same invocation event the deployed entry point does
and returns the structured response. GET /healthz reports liveness and
GET /metrics exposes prometheus counters when enabled.

Example:
  JOB_BUCKET=my-bucket DYNAMODB_TABLE=my-leases \
  BATCH_TASK_ROLE_ARN=arn:aws:iam::123:role/task CPU_QUEUE=cpu \
  batchrelay serve --addr 127.0.0.1:8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides SERVE_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cfg, err := app.Build(ctx, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to build engine", zap.Error(err))
		return err
	}

	addr := cfg.Serve.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := server.New(addr, eng.Handle, cfg.Serve.Metrics, observability.CLILogger)
	return srv.ListenAndServe(ctx)
}
