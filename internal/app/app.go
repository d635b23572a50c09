// Package app wires the orchestration engine from configuration. Shared by
// the CLI and the function entry point.
package app

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/internal/config"
	"github.com/relaylabs/batchrelay/pkg/blob"
	"github.com/relaylabs/batchrelay/pkg/compute"
	"github.com/relaylabs/batchrelay/pkg/engine"
	"github.com/relaylabs/batchrelay/pkg/lease"
)

// Build loads configuration and constructs the engine over one shared AWS
// client config.
func Build(ctx context.Context, log *zap.Logger) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	leases := lease.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.Table)
	blobs := blob.NewWithClient(s3.NewFromConfig(awsCfg), blob.Config{
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	})

	cc, err := compute.New(batch.NewFromConfig(awsCfg), blobs, compute.Config{
		TaskRoleARN: cfg.TaskRoleARN,
		CPUQueue:    cfg.CPUQueue,
		GPUQueue:    cfg.GPUQueue,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(leases, blobs, cc, engine.Config{
		DeleteRecordOnFail: cfg.DeleteRecordOnFail,
	}, log)

	return eng, cfg, nil
}
