package engine

import (
	"encoding/json"
	"fmt"

	"github.com/relaylabs/batchrelay/pkg/compute"
)

// Status is the lifecycle state of a cache key's job.
//
// NOTE: These values are persisted in the lease row's state document and are
// part of the stable on-store contract. The lowercase "submitted" marks a job
// that was launched but never polled; the uppercase values come straight from
// the compute service.
type Status string

const (
	StatusNone      Status = ""
	StatusLaunched  Status = "submitted"
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Pending reports whether the status means the job is still progressing.
func (s Status) Pending() bool {
	switch s {
	case StatusLaunched, StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning:
		return true
	}
	return false
}

// valid reports whether s is a known lifecycle value.
func (s Status) valid() bool {
	return s == StatusNone || s == StatusSucceeded || s == StatusFailed || s.Pending()
}

// JobRecord is the per-cache-key state persisted in the lease row.
type JobRecord struct {
	JobID         string `json:"job_id"`
	JobDefinition string `json:"job_def"`
	Status        Status `json:"status"`
	Iterations    int    `json:"iters,omitempty"`
}

// EncodeRecord serializes a record for the lease row's state document.
func EncodeRecord(rec JobRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// DecodeRecord parses and validates a state document. Shape is checked on
// read rather than trusted: an unknown status or a negative iteration count
// means the row was written by something we don't understand.
func DecodeRecord(data []byte) (JobRecord, error) {
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return JobRecord{}, fmt.Errorf("engine: parse job record: %w", err)
	}
	if !rec.Status.valid() {
		return JobRecord{}, fmt.Errorf("engine: job record has unknown status %q", rec.Status)
	}
	if rec.Iterations < 0 {
		return JobRecord{}, fmt.Errorf("engine: job record has negative iteration count %d", rec.Iterations)
	}
	return rec, nil
}

// Request is one invocation's input event.
type Request struct {
	CacheKey string `json:"cache_key"`
	Dump     string `json:"dump"`
	Kwargs   Kwargs `json:"kwargs"`
}

// Kwargs carries job-submission parameters. Each is a list of which only the
// last element is used, so callers can override upstream defaults by
// appending.
type Kwargs struct {
	Image        []string               `json:"image"`
	Script       []string               `json:"script"`
	Requirements []compute.Requirements `json:"requirements"`
}

// UnmarshalJSON rejects unrecognized parameter names so a typo'd kwarg
// surfaces as a 400 instead of being silently dropped.
func (k *Kwargs) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name, value := range raw {
		var err error
		switch name {
		case "image":
			err = json.Unmarshal(value, &k.Image)
		case "script":
			err = json.Unmarshal(value, &k.Script)
		case "requirements":
			err = json.Unmarshal(value, &k.Requirements)
		default:
			return fmt.Errorf("engine: unrecognized kwarg %q", name)
		}
		if err != nil {
			return fmt.Errorf("engine: parse kwarg %q: %w", name, err)
		}
	}
	return nil
}

// last returns the effective value of an override-by-append parameter list.
func last[T any](xs []T) (T, bool) {
	var zero T
	if len(xs) == 0 {
		return zero, false
	}
	return xs[len(xs)-1], true
}

// Response codes. The set is fixed; the upstream caller keys its retry loop
// off these.
const (
	CodeOK         = 200 // job succeeded and output retrieved
	CodeCreated    = 201 // job newly created and submitted
	CodeProcessing = 202 // job still pending or running
	CodeRetry      = 204 // lock contention, or success observed but output not yet available
	CodeFailed     = 400 // job failed, or an unexpected internal error
	CodeNoOutput   = 422 // job succeeded but output never appeared within budget
)

// Response is the structured result of one invocation.
type Response struct {
	Status  int     `json:"status"`
	Message string  `json:"message"`
	Dump    *string `json:"dump"`
}
