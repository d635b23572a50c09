// Package testutil provides in-memory doubles for the AWS service slices
// the orchestration components consume.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Row is one lease-table row held by FakeDynamo.
type Row struct {
	Owner      string
	UpdateTime int64
	State      string
	HasState   bool
}

// FakeDynamo implements the lease store's DynamoDB slice with real
// conditional-write semantics for the two condition shapes the lease
// protocol uses: the shared takeover precondition and strict owner equality.
type FakeDynamo struct {
	mu   sync.Mutex
	Rows map[string]*Row

	// Err, when set, is returned from every call.
	Err error
}

func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{Rows: make(map[string]*Row)}
}

// Row returns the stored row for a cache key, or nil.
func (f *FakeDynamo) Get(cacheKey string) *Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rows[cacheKey]
}

// Seed installs a row.
func (f *FakeDynamo) Seed(cacheKey string, row Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rows[cacheKey] = &row
}

func keyOf(key map[string]ddbtypes.AttributeValue) string {
	if s, ok := key["cache_key"].(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func stringVal(values map[string]ddbtypes.AttributeValue, name string) string {
	if s, ok := values[name].(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func numVal(values map[string]ddbtypes.AttributeValue, name string) int64 {
	if n, ok := values[name].(*ddbtypes.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

// conditionHolds evaluates the two condition expressions the lease protocol
// issues against the current row. A missing row satisfies the takeover
// precondition (attribute_not_exists) but not strict owner equality.
func conditionHolds(cond string, row *Row, values map[string]ddbtypes.AttributeValue) bool {
	owner := stringVal(values, ":own")
	if strings.Contains(cond, "attribute_not_exists") {
		if row == nil || row.Owner == "" {
			return true
		}
		return row.Owner == owner || row.UpdateTime < numVal(values, ":stale")
	}
	return row != nil && row.Owner == owner
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(params.Key)
	row := f.Rows[key]
	if !conditionHolds(aws.ToString(params.ConditionExpression), row, params.ExpressionAttributeValues) {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	if row == nil {
		row = &Row{}
		f.Rows[key] = row
	}

	expr := aws.ToString(params.UpdateExpression)
	switch {
	case strings.HasPrefix(expr, "REMOVE #own"):
		row.Owner = ""
		row.UpdateTime = numVal(params.ExpressionAttributeValues, ":ut")
	default:
		row.Owner = stringVal(params.ExpressionAttributeValues, ":own")
		row.UpdateTime = numVal(params.ExpressionAttributeValues, ":ut")
		if strings.Contains(expr, "#state") {
			row.State = stringVal(params.ExpressionAttributeValues, ":state")
			row.HasState = true
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.Rows[keyOf(params.Key)]
	if row == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	item := map[string]ddbtypes.AttributeValue{
		"cache_key": params.Key["cache_key"],
	}
	if row.Owner != "" {
		item["lock_owner"] = &ddbtypes.AttributeValueMemberS{Value: row.Owner}
	}
	item["lock_update_time"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(row.UpdateTime, 10)}
	if row.HasState {
		item["state"] = &ddbtypes.AttributeValueMemberS{Value: row.State}
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *FakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(params.Key)
	row := f.Rows[key]
	if !conditionHolds(aws.ToString(params.ConditionExpression), row, params.ExpressionAttributeValues) {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.Rows, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// FakeS3 implements the blob store's S3 slice over a map.
type FakeS3 struct {
	mu      sync.Mutex
	Objects map[string]string

	// GetErr, when set, fails GetObject calls.
	GetErr error
}

func NewFakeS3() *FakeS3 {
	return &FakeS3{Objects: make(map[string]string)}
}

func (f *FakeS3) Seed(key, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Objects[key] = payload
}

func (f *FakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Objects[aws.ToString(params.Key)]; !ok {
		return nil, &s3types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *FakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(payload))}, nil
}

func (f *FakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Objects[aws.ToString(params.Key)] = string(b)
	return &s3.PutObjectOutput{}, nil
}

// FakeBatch implements the compute client's Batch slice.
type FakeBatch struct {
	mu sync.Mutex

	// Registered collects RegisterJobDefinition inputs in call order.
	Registered []*batch.RegisterJobDefinitionInput

	// Submitted collects SubmitJob inputs in call order.
	Submitted []*batch.SubmitJobInput

	// Deregistered collects deregistered definition ARNs.
	Deregistered []string

	// Jobs maps job IDs to the detail DescribeJobs returns.
	Jobs map[string]batchtypes.JobDetail

	// DescribeErr, SubmitErr, DeregisterErr inject failures.
	DescribeErr   error
	SubmitErr     error
	DeregisterErr error

	nextJobID int
}

func NewFakeBatch() *FakeBatch {
	return &FakeBatch{Jobs: make(map[string]batchtypes.JobDetail)}
}

func (f *FakeBatch) SetJob(jobID string, detail batchtypes.JobDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Jobs[jobID] = detail
}

func (f *FakeBatch) RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = append(f.Registered, params)
	name := aws.ToString(params.JobDefinitionName)
	return &batch.RegisterJobDefinitionOutput{
		JobDefinitionName: params.JobDefinitionName,
		JobDefinitionArn:  aws.String(fmt.Sprintf("arn:aws:batch:us-east-1:123456789012:job-definition/%s:%d", name, len(f.Registered))),
		Revision:          aws.Int32(int32(len(f.Registered))),
	}, nil
}

func (f *FakeBatch) SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, params)
	f.nextJobID++
	id := fmt.Sprintf("job-%d", f.nextJobID)
	return &batch.SubmitJobOutput{JobId: aws.String(id), JobName: params.JobName}, nil
}

func (f *FakeBatch) DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []batchtypes.JobDetail
	for _, id := range params.Jobs {
		if detail, ok := f.Jobs[id]; ok {
			jobs = append(jobs, detail)
		}
	}
	return &batch.DescribeJobsOutput{Jobs: jobs}, nil
}

func (f *FakeBatch) DeregisterJobDefinition(ctx context.Context, params *batch.DeregisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error) {
	if f.DeregisterErr != nil {
		return nil, f.DeregisterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deregistered = append(f.Deregistered, aws.ToString(params.JobDefinition))
	return &batch.DeregisterJobDefinitionOutput{}, nil
}
