// Package engine is the job-orchestration core: the per-cache-key state
// machine driven by repeated stateless invocations.
//
// Each invocation acquires the lease for its cache key, advances the job one
// step (submit, poll, or retrieve output), persists the new state, releases
// the lease, and returns. It never waits for the job; the upstream caller
// supplies the retry loop.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaylabs/batchrelay/pkg/blob"
	"github.com/relaylabs/batchrelay/pkg/compute"
	"github.com/relaylabs/batchrelay/pkg/lease"
)

// DefaultMaxIterations is the output-retrieval budget after job success.
const DefaultMaxIterations = 10

// Fixed response messages.
const (
	msgLockContention = "Could not acquire job lock"
	msgCreated        = "job created and submitted"
	msgAwaitingOutput = "waiting for task to write output"
	msgNoOutput       = "task failed to write output"
	msgFinished       = "Job finished"
)

// Config tunes engine behavior.
type Config struct {
	// DeleteRecordOnFail removes the lease row when the job reports
	// permanent failure, instead of leaving it for inspection.
	DeleteRecordOnFail bool

	// MaxIterations caps output-retrieval attempts after success.
	// Zero means DefaultMaxIterations.
	MaxIterations int
}

// Engine coordinates the lease store, blob store, and compute client for
// one invocation at a time.
type Engine struct {
	leases  *lease.Store
	blobs   *blob.Store
	compute *compute.Client
	cfg     Config
	log     *zap.Logger
}

// New creates an engine.
func New(leases *lease.Store, blobs *blob.Store, cc *compute.Client, cfg Config, log *zap.Logger) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{leases: leases, blobs: blobs, compute: cc, cfg: cfg, log: log}
}

// Handle runs one invocation. It never returns an error: anything
// unexpected becomes a 400 response, and the lease is released on every
// path, including panics.
func (e *Engine) Handle(ctx context.Context, req Request) (resp Response) {
	log := e.log.With(zap.String("cache_key", req.CacheKey))

	if req.CacheKey == "" {
		return Response{Status: CodeFailed, Message: "cache_key is required"}
	}

	ls := e.leases.Lease(req.CacheKey)
	ok, err := ls.Lock(ctx)
	if err != nil {
		log.Error("lock attempt failed", zap.Error(err))
		return Response{Status: CodeFailed, Message: err.Error()}
	}
	if !ok {
		log.Info("lock contention")
		return Response{Status: CodeRetry, Message: msgLockContention}
	}

	// Guaranteed release: unlock runs whatever advance does, including a
	// panic, which is converted into a failure response below.
	defer func() {
		if _, uerr := ls.Unlock(ctx); uerr != nil {
			log.Error("unlock failed", zap.Error(uerr))
		}
		if r := recover(); r != nil {
			log.Error("invocation panicked", zap.Any("panic", r))
			resp = Response{Status: CodeFailed, Message: fmt.Sprint(r)}
		}
	}()

	resp, err = e.advance(ctx, ls, req, log)
	if err != nil {
		log.Error("invocation failed", zap.Error(err))
		return Response{Status: CodeFailed, Message: err.Error()}
	}
	return resp
}

// advance moves the cache key's state machine one step while holding the
// lease.
func (e *Engine) advance(ctx context.Context, ls *lease.Lease, req Request, log *zap.Logger) (Response, error) {
	raw, err := ls.Get(ctx)
	if err != nil {
		return Response{}, err
	}
	var rec JobRecord
	if raw != nil {
		if rec, err = DecodeRecord(raw); err != nil {
			return Response{}, err
		}
	}

	// Exactly-once submission: this branch is only reachable while holding
	// the lease, and the identifiers are never reassigned once set.
	if rec.JobID == "" {
		return e.submit(ctx, ls, req, log)
	}

	if rec.Status == StatusSucceeded {
		return e.retrieve(ctx, ls, req.CacheKey, rec, log)
	}

	poll, err := e.compute.Poll(ctx, req.CacheKey, rec.JobID)
	if err != nil {
		return Response{}, err
	}
	rec.Status = Status(poll.Status)
	if err := e.persist(ctx, ls, rec); err != nil {
		return Response{}, err
	}

	switch {
	case rec.Status.Pending():
		log.Info("job progressing", zap.String("job_id", rec.JobID), zap.String("status", string(rec.Status)))
		return Response{Status: CodeProcessing, Message: poll.Message}, nil
	case rec.Status == StatusFailed:
		log.Warn("job failed", zap.String("job_id", rec.JobID))
		if e.cfg.DeleteRecordOnFail {
			if _, err := ls.Delete(ctx); err != nil {
				return Response{}, err
			}
		}
		return Response{Status: CodeFailed, Message: poll.Message}, nil
	default:
		// Success observed on this poll.
		return e.retrieve(ctx, ls, req.CacheKey, rec, log)
	}
}

// submit launches a new job from the request's kwargs and persists the
// resulting identifiers.
func (e *Engine) submit(ctx context.Context, ls *lease.Lease, req Request, log *zap.Logger) (Response, error) {
	image, _ := last(req.Kwargs.Image)
	script, _ := last(req.Kwargs.Script)
	requirements, _ := last(req.Kwargs.Requirements)

	sub, err := e.compute.Submit(ctx, compute.SubmitInput{
		CacheKey:     req.CacheKey,
		Dump:         req.Dump,
		Script:       script,
		Image:        image,
		Requirements: requirements,
	})
	if err != nil {
		return Response{}, err
	}

	rec := JobRecord{JobID: sub.JobID, JobDefinition: sub.JobDefinition, Status: StatusLaunched}
	if err := e.persist(ctx, ls, rec); err != nil {
		return Response{}, err
	}

	log.Info("job created", zap.String("job_id", sub.JobID))
	return Response{Status: CodeCreated, Message: msgCreated}, nil
}

// retrieve runs the result-retrieval sub-protocol once the job succeeded.
// On first entry the job definition is garbage-collected; then the output
// blob is read, with a bounded number of retries across invocations to
// absorb the output write lagging the status transition.
func (e *Engine) retrieve(ctx context.Context, ls *lease.Lease, cacheKey string, rec JobRecord, log *zap.Logger) (Response, error) {
	if rec.Iterations == 0 {
		if err := e.compute.Release(ctx, rec.JobDefinition); err != nil {
			return Response{}, err
		}
	}

	dump, err := e.blobs.Get(ctx, e.blobs.ResultKey(cacheKey))
	if err != nil {
		return Response{}, err
	}

	next, resp, persist := retrievalOutcome(rec, dump, e.cfg.MaxIterations)
	if persist {
		if err := e.persist(ctx, ls, next); err != nil {
			return Response{}, err
		}
	}
	if resp.Status == CodeNoOutput {
		log.Warn("output never materialized", zap.String("job_id", rec.JobID), zap.Int("iterations", rec.Iterations))
	}
	return resp, nil
}

// retrievalOutcome is the pure decision step of the sub-protocol: given the
// record (status SUCCEEDED) and the output blob if present, produce the next
// record, the response, and whether the record changed.
func retrievalOutcome(rec JobRecord, output *string, budget int) (JobRecord, Response, bool) {
	if output != nil {
		return rec, Response{Status: CodeOK, Message: msgFinished, Dump: output}, false
	}
	if rec.Iterations > budget {
		return rec, Response{Status: CodeNoOutput, Message: msgNoOutput}, false
	}
	rec.Iterations++
	return rec, Response{Status: CodeRetry, Message: msgAwaitingOutput}, true
}

// persist writes the record through the lease. A condition failure here
// means the lease was taken over mid-request, which is fatal for this
// invocation: its view of the row is no longer authoritative.
func (e *Engine) persist(ctx context.Context, ls *lease.Lease, rec JobRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	ok, err := ls.Put(ctx, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: lease lost while persisting state")
	}
	return nil
}
