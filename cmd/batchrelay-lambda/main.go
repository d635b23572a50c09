// The batchrelay-lambda binary is the deployed function entry point: one
// invocation event in, one structured response out. Engine construction
// happens once per cold start.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/relaylabs/batchrelay/internal/app"
	"github.com/relaylabs/batchrelay/internal/observability"
	"github.com/relaylabs/batchrelay/pkg/engine"
)

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	logger, err := observability.Init(level)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer observability.Sync()

	eng, _, err := app.Build(context.Background(), logger)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	lambda.Start(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		// The engine converts every failure into a response; a non-nil
		// error here would make the platform retry, which the caller
		// already does on its own schedule.
		return eng.Handle(ctx, req), nil
	})
}
