package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/batchrelay/internal/testutil"
	"github.com/relaylabs/batchrelay/pkg/blob"
	"github.com/relaylabs/batchrelay/pkg/compute"
	"github.com/relaylabs/batchrelay/pkg/lease"
)

type fixture struct {
	engine *Engine
	db     *testutil.FakeDynamo
	s3     *testutil.FakeS3
	batch  *testutil.FakeBatch
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db := testutil.NewFakeDynamo()
	s3fake := testutil.NewFakeS3()
	batchfake := testutil.NewFakeBatch()

	blobs := blob.NewWithClient(s3fake, blob.Config{Bucket: "b"})
	cc, err := compute.New(batchfake, blobs, compute.Config{
		TaskRoleARN: "arn:aws:iam::123456789012:role/task",
		CPUQueue:    "cpu-queue",
		GPUQueue:    "gpu-queue",
	}, nil)
	require.NoError(t, err)

	leases := lease.NewStore(db, "leases")
	return &fixture{
		engine: New(leases, blobs, cc, cfg, nil),
		db:     db,
		s3:     s3fake,
		batch:  batchfake,
	}
}

// seedRecord installs an unlocked lease row carrying a job record.
func (f *fixture) seedRecord(t *testing.T, cacheKey string, rec JobRecord) {
	t.Helper()
	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	f.db.Seed(cacheKey, testutil.Row{State: string(data), HasState: true, UpdateTime: time.Now().Unix()})
}

// record reads back the persisted job record for a cache key.
func (f *fixture) record(t *testing.T, cacheKey string) JobRecord {
	t.Helper()
	row := f.db.Get(cacheKey)
	require.NotNil(t, row)
	require.True(t, row.HasState)
	rec, err := DecodeRecord([]byte(row.State))
	require.NoError(t, err)
	return rec
}

// assertUnlocked verifies the guaranteed-release obligation.
func (f *fixture) assertUnlocked(t *testing.T, cacheKey string) {
	t.Helper()
	row := f.db.Get(cacheKey)
	require.NotNil(t, row)
	assert.Empty(t, row.Owner, "lease must be released on every exit path")
}

func newJobRequest(cacheKey string) Request {
	return Request{
		CacheKey: cacheKey,
		Dump:     "input-data",
		Kwargs: Kwargs{
			Image:  []string{"python:3.12"},
			Script: []string{"print('hi')"},
		},
	}
}

func TestHandle_NewKeySubmitsJob(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeCreated, resp.Status)
	assert.Equal(t, "job created and submitted", resp.Message)
	assert.Nil(t, resp.Dump)

	rec := f.record(t, "k1")
	assert.Equal(t, "job-1", rec.JobID)
	assert.NotEmpty(t, rec.JobDefinition)
	assert.Equal(t, StatusLaunched, rec.Status)

	assert.Equal(t, "input-data", f.s3.Objects["k1/input.data"])
	f.assertUnlocked(t, "k1")
}

func TestHandle_KwargsLastElementWins(t *testing.T) {
	f := newFixture(t, Config{})

	req := newJobRequest("k1")
	req.Kwargs.Image = []string{"python:3.11", "python:3.12"}
	resp := f.engine.Handle(context.Background(), req)
	require.Equal(t, CodeCreated, resp.Status)

	require.Len(t, f.batch.Registered, 1)
	assert.Equal(t, "python:3.12", aws.ToString(f.batch.Registered[0].ContainerProperties.Image))
}

func TestHandle_ProcessingJob(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusLaunched})
	f.batch.SetJob("j-1", batchtypes.JobDetail{Status: batchtypes.JobStatusRunnable})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeProcessing, resp.Status)
	assert.Contains(t, resp.Message, "processing")
	assert.Nil(t, resp.Dump)

	assert.Equal(t, StatusRunnable, f.record(t, "k1").Status)
	assert.Empty(t, f.batch.Submitted, "no resubmission while job_id is set")
	f.assertUnlocked(t, "k1")
}

func TestHandle_SucceededOutputPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusSucceeded})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeRetry, resp.Status)
	assert.Equal(t, "waiting for task to write output", resp.Message)

	// First success entry garbage-collects the job definition exactly once.
	assert.Equal(t, []string{"arn:def"}, f.batch.Deregistered)
	assert.Equal(t, 1, f.record(t, "k1").Iterations)
	f.assertUnlocked(t, "k1")
}

func TestHandle_SucceededOutputPresent(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusSucceeded, Iterations: 3})
	f.s3.Seed("k1/result.dump", "the-output")

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeOK, resp.Status)
	assert.Equal(t, "Job finished", resp.Message)
	require.NotNil(t, resp.Dump)
	assert.Equal(t, "the-output", *resp.Dump)

	// Past the first entry, the definition is already collected.
	assert.Empty(t, f.batch.Deregistered)
	assert.Equal(t, 3, f.record(t, "k1").Iterations)
	f.assertUnlocked(t, "k1")
}

func TestHandle_OutputNeverMaterialized(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusSucceeded, Iterations: 11})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeNoOutput, resp.Status)
	assert.Equal(t, "task failed to write output", resp.Message)
	assert.Nil(t, resp.Dump)

	// Record left in place for inspection.
	assert.Equal(t, 11, f.record(t, "k1").Iterations)
	f.assertUnlocked(t, "k1")
}

func TestHandle_IterationsStopAtBudget(t *testing.T) {
	f := newFixture(t, Config{MaxIterations: 2})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusSucceeded})

	var codes []int
	for i := 0; i < 5; i++ {
		resp := f.engine.Handle(context.Background(), newJobRequest("k1"))
		codes = append(codes, resp.Status)
	}

	// Retries within budget, then permanent failure; iterations never
	// increment past the budget overrun.
	assert.Equal(t, []int{CodeRetry, CodeRetry, CodeRetry, CodeNoOutput, CodeNoOutput}, codes)
	assert.Equal(t, 3, f.record(t, "k1").Iterations)
}

func TestHandle_FailedJobWithCleanup(t *testing.T) {
	f := newFixture(t, Config{DeleteRecordOnFail: true})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusRunning})
	f.batch.SetJob("j-1", batchtypes.JobDetail{
		Status:       batchtypes.JobStatusFailed,
		StatusReason: aws.String("Essential container exited"),
	})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeFailed, resp.Status)
	assert.Nil(t, resp.Dump)

	var doc map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Message), &doc))
	assert.Equal(t, "j-1", doc["job_id"])
	assert.Equal(t, "k1", doc["cache_key"])
	assert.Equal(t, "Essential container exited", doc["status_reason"])

	assert.Nil(t, f.db.Get("k1"), "record deleted when cleanup is enabled")
}

func TestHandle_FailedJobWithoutCleanup(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusRunning})
	f.batch.SetJob("j-1", batchtypes.JobDetail{Status: batchtypes.JobStatusFailed})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeFailed, resp.Status)
	assert.Equal(t, StatusFailed, f.record(t, "k1").Status)
	f.assertUnlocked(t, "k1")
}

func TestHandle_LockContention(t *testing.T) {
	f := newFixture(t, Config{})
	f.db.Seed("k1", testutil.Row{Owner: "other-invocation", UpdateTime: time.Now().Unix()})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeRetry, resp.Status)
	assert.Equal(t, "Could not acquire job lock", resp.Message)

	// No other collaborator touched.
	assert.Empty(t, f.batch.Registered)
	assert.Empty(t, f.batch.Submitted)
	assert.Empty(t, f.s3.Objects)
	assert.Equal(t, "other-invocation", f.db.Get("k1").Owner)
}

func TestHandle_UnexpectedErrorReleasesLease(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusRunning})
	f.batch.DescribeErr = errors.New("batch is on fire")

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeFailed, resp.Status)
	assert.Contains(t, resp.Message, "batch is on fire")
	f.assertUnlocked(t, "k1")
}

func TestHandle_CorruptRecordIsFailureNotPanic(t *testing.T) {
	f := newFixture(t, Config{})
	f.db.Seed("k1", testutil.Row{State: `{"status":"NOT_A_STATUS"}`, HasState: true})

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeFailed, resp.Status)
	assert.Contains(t, resp.Message, "unknown status")
	f.assertUnlocked(t, "k1")
}

func TestHandle_MissingCacheKey(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.engine.Handle(context.Background(), Request{})

	assert.Equal(t, CodeFailed, resp.Status)
	assert.Empty(t, f.db.Rows)
}

func TestHandle_SubmitFailureReleasesLease(t *testing.T) {
	f := newFixture(t, Config{})
	f.batch.SubmitErr = errors.New("queue disabled")

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeFailed, resp.Status)
	f.assertUnlocked(t, "k1")
}

func TestHandle_FreshSuccessFallsThroughToRetrieval(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRecord(t, "k1", JobRecord{JobID: "j-1", JobDefinition: "arn:def", Status: StatusRunning})
	f.batch.SetJob("j-1", batchtypes.JobDetail{Status: batchtypes.JobStatusSucceeded})
	f.s3.Seed("k1/result.dump", "done")

	resp := f.engine.Handle(context.Background(), newJobRequest("k1"))

	assert.Equal(t, CodeOK, resp.Status)
	require.NotNil(t, resp.Dump)
	assert.Equal(t, "done", *resp.Dump)

	// Success observed on this poll: the definition is collected now.
	assert.Equal(t, []string{"arn:def"}, f.batch.Deregistered)
	f.assertUnlocked(t, "k1")
}

func TestRetrievalOutcome(t *testing.T) {
	output := "result"

	tests := []struct {
		name        string
		rec         JobRecord
		output      *string
		wantCode    int
		wantIters   int
		wantPersist bool
	}{
		{"output present", JobRecord{Status: StatusSucceeded, Iterations: 5}, &output, CodeOK, 5, false},
		{"first retry", JobRecord{Status: StatusSucceeded}, nil, CodeRetry, 1, true},
		{"at budget", JobRecord{Status: StatusSucceeded, Iterations: 10}, nil, CodeRetry, 11, true},
		{"over budget", JobRecord{Status: StatusSucceeded, Iterations: 11}, nil, CodeNoOutput, 11, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, resp, persist := retrievalOutcome(tt.rec, tt.output, DefaultMaxIterations)
			assert.Equal(t, tt.wantCode, resp.Status)
			assert.Equal(t, tt.wantIters, next.Iterations)
			assert.Equal(t, tt.wantPersist, persist)
		})
	}
}
