// Package compute submits and tracks units of work on AWS Batch.
//
// Each cache key maps to one ephemeral job definition (named
// deterministically, so re-registration is idempotent at the service) and
// one job. Input and output payloads travel through the blob store; the job
// container learns both locations from injected environment values.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/pkg/blob"
)

// Default container sizing, overridden per-field by caller requirements.
const (
	DefaultVCPUs  int32 = 1
	DefaultMemory int32 = 512
)

// Environment variable names injected into the job container. These are the
// contract with the job image: it reads its input from the first and writes
// its output to the second.
const (
	EnvInputLocation  = "DML_INPUT"
	EnvOutputLocation = "DML_OUTPUT"
)

// Fallback strings when a failed job carries no usable reason.
const (
	unknownFailureReason = "Unknown failure reason"
	noStatusReason       = "No additional status reason provided."
)

// BatchAPI is the slice of the AWS Batch client used by this package.
type BatchAPI interface {
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	DeregisterJobDefinition(ctx context.Context, params *batch.DeregisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error)
}

// Config configures the compute client.
type Config struct {
	// TaskRoleARN is the IAM role assumed by job containers (required).
	TaskRoleARN string

	// CPUQueue is the queue for jobs without GPU requirements (required).
	CPUQueue string

	// GPUQueue is the queue for jobs requesting a GPU. May be empty when
	// no GPU workloads are expected; submitting a GPU job then fails as a
	// configuration error.
	GPUQueue string
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.TaskRoleARN == "" {
		return fmt.Errorf("compute: task role ARN is required")
	}
	if c.CPUQueue == "" {
		return fmt.Errorf("compute: CPU queue is required")
	}
	return nil
}

// Client registers, submits, polls, and garbage-collects Batch jobs.
type Client struct {
	api   BatchAPI
	blobs *blob.Store
	cfg   Config
	log   *zap.Logger
}

// New creates a compute client.
func New(api BatchAPI, blobs *blob.Store, cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: api, blobs: blobs, cfg: cfg, log: log}, nil
}

// ResourceRequirement mirrors a Batch resource requirement entry.
type ResourceRequirement struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Requirements are caller-supplied container sizing overrides, merged over
// the package defaults field by field.
type Requirements struct {
	VCPUs                *int32                `json:"vcpus,omitempty"`
	Memory               *int32                `json:"memory,omitempty"`
	ResourceRequirements []ResourceRequirement `json:"resourceRequirements,omitempty"`
}

// needsGPU reports whether any resource requirement entry asks for a GPU.
func (r Requirements) needsGPU() bool {
	for _, rr := range r.ResourceRequirements {
		if rr.Type == "GPU" {
			return true
		}
	}
	return false
}

// SubmitInput carries everything needed to launch one unit of work.
type SubmitInput struct {
	CacheKey     string
	Dump         string
	Script       string
	Image        string
	Requirements Requirements
}

// Submission identifies a launched job.
type Submission struct {
	JobID         string
	JobDefinition string
}

// DefinitionName derives the deterministic job definition name for a cache
// key. Registering the same name again creates a new revision, not a
// conflict, so concurrent re-registration is harmless.
func DefinitionName(cacheKey string) string {
	return "fn-" + cacheKey
}

// Submit uploads the input payload, registers the job definition, and
// submits the job to the CPU or GPU queue.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (*Submission, error) {
	if in.Image == "" {
		return nil, fmt.Errorf("compute: image is required")
	}
	if in.Script == "" {
		return nil, fmt.Errorf("compute: script is required")
	}

	queue := c.cfg.CPUQueue
	if in.Requirements.needsGPU() {
		if c.cfg.GPUQueue == "" {
			return nil, fmt.Errorf("compute: job requests a GPU but no GPU queue is configured")
		}
		queue = c.cfg.GPUQueue
	}

	inputURI, err := c.blobs.Put(ctx, c.blobs.InputKey(in.CacheKey), in.Dump)
	if err != nil {
		return nil, err
	}

	name := DefinitionName(in.CacheKey)
	props := c.containerProperties(in, inputURI)

	c.log.Info("registering job definition", zap.String("name", name), zap.String("cache_key", in.CacheKey))
	reg, err := c.api.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(name),
		Type:                types.JobDefinitionTypeContainer,
		ContainerProperties: props,
	})
	if err != nil {
		return nil, &ServiceError{Op: "RegisterJobDefinition", CacheKey: in.CacheKey, Err: err}
	}
	jobDef := aws.ToString(reg.JobDefinitionArn)

	out, err := c.api.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(name),
		JobQueue:      aws.String(queue),
		JobDefinition: aws.String(jobDef),
	})
	if err != nil {
		return nil, &ServiceError{Op: "SubmitJob", CacheKey: in.CacheKey, Err: err}
	}

	jobID := aws.ToString(out.JobId)
	c.log.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("job_definition", jobDef),
		zap.String("queue", queue))

	return &Submission{JobID: jobID, JobDefinition: jobDef}, nil
}

func (c *Client) containerProperties(in SubmitInput, inputURI string) *types.ContainerProperties {
	vcpus := DefaultVCPUs
	if in.Requirements.VCPUs != nil {
		vcpus = *in.Requirements.VCPUs
	}
	memory := DefaultMemory
	if in.Requirements.Memory != nil {
		memory = *in.Requirements.Memory
	}

	resources := []types.ResourceRequirement{
		{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(int(vcpus)))},
		{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(int(memory)))},
	}
	for _, rr := range in.Requirements.ResourceRequirements {
		resources = append(resources, types.ResourceRequirement{
			Type:  types.ResourceType(rr.Type),
			Value: aws.String(rr.Value),
		})
	}

	return &types.ContainerProperties{
		Image:   aws.String(in.Image),
		Command: []string{"python3", "-c", strings.TrimSpace(in.Script)},
		Environment: []types.KeyValuePair{
			{Name: aws.String(EnvInputLocation), Value: aws.String(inputURI)},
			{Name: aws.String(EnvOutputLocation), Value: aws.String(c.blobs.URI(c.blobs.ResultKey(in.CacheKey)))},
		},
		JobRoleArn:           aws.String(c.cfg.TaskRoleARN),
		ResourceRequirements: resources,
	}
}

// PollResult is the outcome of one status check.
type PollResult struct {
	// Status is the service's job status value (SUBMITTED..FAILED).
	Status string

	// Message is a human-readable progress line; for failed jobs it is the
	// compact JSON failure document.
	Message string
}

// Poll fetches a job's current status. For failed jobs the message is a
// compact JSON document carrying the best-effort failure and status reasons.
func (c *Client) Poll(ctx context.Context, cacheKey, jobID string) (*PollResult, error) {
	out, err := c.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return nil, &ServiceError{Op: "DescribeJobs", CacheKey: cacheKey, Err: err}
	}
	if len(out.Jobs) == 0 {
		return nil, &ServiceError{Op: "DescribeJobs", CacheKey: cacheKey, Err: fmt.Errorf("job %s not found", jobID)}
	}
	job := out.Jobs[0]
	status := string(job.Status)

	switch job.Status {
	case types.JobStatusSucceeded:
		return &PollResult{Status: status, Message: fmt.Sprintf("Job %s succeeded.", jobID)}, nil
	case types.JobStatusFailed:
		doc, err := json.Marshal(map[string]string{
			"job_id":         jobID,
			"cache_key":      cacheKey,
			"failure_reason": failureReason(job),
			"status_reason":  statusReason(job),
		})
		if err != nil {
			return nil, err
		}
		return &PollResult{Status: status, Message: string(doc)}, nil
	default:
		return &PollResult{Status: status, Message: fmt.Sprintf("Job %s is processing with status: %s", jobID, status)}, nil
	}
}

// failureReason digs the container reason out of the job's last attempt.
func failureReason(job types.JobDetail) string {
	if n := len(job.Attempts); n > 0 {
		last := job.Attempts[n-1]
		if last.Container != nil && last.Container.Reason != nil {
			return *last.Container.Reason
		}
	}
	return unknownFailureReason
}

func statusReason(job types.JobDetail) string {
	if job.StatusReason != nil {
		return *job.StatusReason
	}
	return noStatusReason
}

// Release deregisters a job definition. A definition that is already
// deregistered counts as success; any other service failure propagates.
func (c *Client) Release(ctx context.Context, jobDefinition string) error {
	_, err := c.api.DeregisterJobDefinition(ctx, &batch.DeregisterJobDefinitionInput{
		JobDefinition: aws.String(jobDefinition),
	})
	if err != nil {
		if isAlreadyDeregistered(err) {
			c.log.Debug("job definition already deregistered", zap.String("job_definition", jobDefinition))
			return nil
		}
		return &ServiceError{Op: "DeregisterJobDefinition", Err: err}
	}
	c.log.Info("deregistered job definition", zap.String("job_definition", jobDefinition))
	return nil
}

// ServiceError wraps Batch errors with operation context.
type ServiceError struct {
	Op       string
	CacheKey string
	Err      error
}

func (e *ServiceError) Error() string {
	if e.CacheKey != "" {
		return fmt.Sprintf("compute %s: %s: %v", e.Op, e.CacheKey, e.Err)
	}
	return fmt.Sprintf("compute %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// isAlreadyDeregistered matches Batch's ClientException for a definition
// that is already in DEREGISTERED state.
func isAlreadyDeregistered(err error) bool {
	var client *types.ClientException
	if errors.As(err, &client) {
		return strings.Contains(aws.ToString(client.Message), "DEREGISTERED")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ClientException" && strings.Contains(apiErr.ErrorMessage(), "DEREGISTERED")
	}
	return false
}
