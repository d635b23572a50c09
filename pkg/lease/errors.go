package lease

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// StoreError wraps DynamoDB errors with lease context.
type StoreError struct {
	// Op is the lease operation that failed (e.g., "Lock", "Put").
	Op string

	// Table is the lease table name.
	Table string

	// CacheKey is the row's partition key.
	CacheKey string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("lease %s: %s/%s: %v", e.Op, e.Table, e.CacheKey, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// isConditionFailed reports whether err is DynamoDB's conditional-check
// failure, which every lease operation treats as a normal "not yours"
// outcome rather than an error.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}

	// Fallback: check the smithy error code in case the typed error is
	// not surfaced (e.g., through transaction cancellation wrappers).
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return false
}
