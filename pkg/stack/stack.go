// Package stack provisions the hosting CloudFormation stack and polls it to
// a terminal state. It is the deployment collaborator for the orchestration
// engine: the stack's outputs expose the deployed entry point's address.
package stack

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// DefaultPollInterval is the fixed wait between stack status checks.
const DefaultPollInterval = 10 * time.Second

// State summarizes a stack's status for the deploy loop.
type State string

const (
	StateAbsent   State = "absent"
	StateCreating State = "creating"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
)

// Status is the observed stack state plus terminal details.
type Status struct {
	State   State
	StackID string

	// Outputs are the stack's output values, populated on success.
	Outputs map[string]string

	// FailureReasons collects resource status reasons, populated on failure.
	FailureReasons []string
}

// CloudFormationAPI is the slice of the CloudFormation client used here.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// Client drives stack deployment.
type Client struct {
	api          CloudFormationAPI
	log          *zap.Logger
	pollInterval time.Duration
}

// New creates a stack client.
func New(api CloudFormationAPI, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: api, log: log, pollInterval: DefaultPollInterval}
}

// Describe returns the stack's current status, or StateAbsent when the
// stack does not exist.
func (c *Client) Describe(ctx context.Context, name string) (*Status, error) {
	out, err := c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if isDoesNotExist(err) {
			return &Status{State: StateAbsent}, nil
		}
		return nil, err
	}
	if len(out.Stacks) == 0 {
		return &Status{State: StateAbsent}, nil
	}
	stack := out.Stacks[0]

	switch stack.StackStatus {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete:
		outputs := make(map[string]string, len(stack.Outputs))
		for _, o := range stack.Outputs {
			outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
		}
		return &Status{State: StateSuccess, StackID: aws.ToString(stack.StackId), Outputs: outputs}, nil
	case types.StackStatusRollbackComplete, types.StackStatusRollbackFailed,
		types.StackStatusCreateFailed, types.StackStatusDeleteFailed:
		reasons, err := c.failureReasons(ctx, name)
		if err != nil {
			return nil, err
		}
		return &Status{State: StateFailed, StackID: aws.ToString(stack.StackId), FailureReasons: reasons}, nil
	default:
		return &Status{State: StateCreating, StackID: aws.ToString(stack.StackId)}, nil
	}
}

func (c *Client) failureReasons(ctx context.Context, name string) ([]string, error) {
	out, err := c.api.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{StackName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	var reasons []string
	for _, ev := range out.StackEvents {
		if ev.ResourceStatusReason != nil {
			reasons = append(reasons, *ev.ResourceStatusReason)
		}
	}
	return reasons, nil
}

// Deploy creates the stack if absent, optionally updates it when it exists,
// and polls at a fixed interval until a terminal state. Cancellation comes
// from ctx.
func (c *Client) Deploy(ctx context.Context, name, templateBody string, update bool) (*Status, error) {
	status, err := c.Describe(ctx, name)
	if err != nil {
		return nil, err
	}

	if status.State == StateAbsent || update {
		applied, err := c.apply(ctx, name, templateBody, update && status.State != StateAbsent)
		if err != nil {
			return nil, err
		}
		// No changes to apply: the existing terminal status stands.
		if !applied {
			return status, nil
		}
		status = &Status{State: StateCreating}
	}

	for status.State == StateCreating {
		c.log.Info("waiting for stack", zap.String("stack", name))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if status, err = c.Describe(ctx, name); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// apply issues the create or update call. Returns false when the service
// reports there is nothing to change.
func (c *Client) apply(ctx context.Context, name, templateBody string, update bool) (bool, error) {
	capabilities := []types.Capability{
		types.CapabilityCapabilityIam,
		types.CapabilityCapabilityNamedIam,
	}

	var err error
	if update {
		c.log.Info("updating stack", zap.String("stack", name))
		_, err = c.api.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(name),
			TemplateBody: aws.String(templateBody),
			Capabilities: capabilities,
		})
	} else {
		c.log.Info("creating stack", zap.String("stack", name))
		_, err = c.api.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(name),
			TemplateBody: aws.String(templateBody),
			Capabilities: capabilities,
		})
	}
	if err != nil {
		if isNoUpdates(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isDoesNotExist(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return false
}

func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasSuffix(apiErr.ErrorMessage(), "No updates are to be performed.")
	}
	return false
}
