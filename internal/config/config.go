// Package config loads and validates runtime configuration.
//
// Configuration is environment-first (the engine's deployment target is a
// function environment where env vars are the only knob), with an optional
// config file for local development. Required values missing at load time
// are a startup error, not a deferred runtime one.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Environment keys. These names are part of the deployment contract: the
// hosting stack provisions the entry point with exactly these variables.
const (
	EnvBucket       = "JOB_BUCKET"
	EnvPrefix       = "JOB_PREFIX"
	EnvTable        = "DYNAMODB_TABLE"
	EnvTaskRoleARN  = "BATCH_TASK_ROLE_ARN"
	EnvCPUQueue     = "CPU_QUEUE"
	EnvGPUQueue     = "GPU_QUEUE"
	EnvDeleteOnFail = "DELETE_DYNAMO_ON_FAIL"
	EnvLogLevel     = "LOG_LEVEL"
	EnvServeAddr    = "SERVE_ADDR"
	EnvMetrics      = "METRICS_ENABLED"
)

// Serve configures the local HTTP front end.
type Serve struct {
	// Addr is the listen address for the serve command.
	Addr string

	// Metrics exposes /metrics when true.
	Metrics bool
}

// Config is the full runtime configuration, constructed once at startup and
// passed to each component's constructor.
type Config struct {
	// Bucket holds job input/output payloads.
	Bucket string

	// Prefix is an optional key prefix inside the bucket.
	Prefix string

	// Table is the DynamoDB lease table.
	Table string

	// TaskRoleARN is the IAM role assumed by job containers.
	TaskRoleARN string

	// CPUQueue and GPUQueue are the Batch job queues. GPUQueue may be
	// empty when no GPU workloads are expected.
	CPUQueue string
	GPUQueue string

	// DeleteRecordOnFail removes the lease row on permanent job failure.
	DeleteRecordOnFail bool

	// LogLevel is the zap level name.
	LogLevel string

	Serve Serve
}

// Load reads configuration from the environment (and an optional
// batchrelay.yaml in the working directory) into a validated Config.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvServeAddr, "127.0.0.1:8080")
	v.SetDefault(EnvMetrics, true)

	for _, key := range []string{
		EnvBucket, EnvPrefix, EnvTable, EnvTaskRoleARN,
		EnvCPUQueue, EnvGPUQueue, EnvDeleteOnFail,
		EnvLogLevel, EnvServeAddr, EnvMetrics,
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	v.SetConfigName("batchrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		Bucket:             v.GetString(EnvBucket),
		Prefix:             v.GetString(EnvPrefix),
		Table:              v.GetString(EnvTable),
		TaskRoleARN:        v.GetString(EnvTaskRoleARN),
		CPUQueue:           v.GetString(EnvCPUQueue),
		GPUQueue:           v.GetString(EnvGPUQueue),
		DeleteRecordOnFail: v.GetString(EnvDeleteOnFail) != "",
		LogLevel:           v.GetString(EnvLogLevel),
		Serve: Serve{
			Addr:    v.GetString(EnvServeAddr),
			Metrics: v.GetBool(EnvMetrics),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports all missing required values at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Bucket == "" {
		missing = append(missing, EnvBucket)
	}
	if c.Table == "" {
		missing = append(missing, EnvTable)
	}
	if c.TaskRoleARN == "" {
		missing = append(missing, EnvTaskRoleARN)
	}
	if c.CPUQueue == "" {
		missing = append(missing, EnvCPUQueue)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required values: %s", strings.Join(missing, ", "))
	}
	return nil
}
