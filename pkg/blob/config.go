// Package blob ships job payloads through S3: the input document written at
// submission time and the result document the job writes back.
package blob

import "fmt"

// Config configures the blob store.
//
// Authentication follows the AWS SDK v2 default chain (environment,
// shared credentials/config, instance metadata). For S3-compatible stores
// (MinIO, localstack) set Endpoint and ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket holding job payloads (required).
	Bucket string

	// Prefix is an optional key prefix prepended to every cache key's
	// payload paths. Empty means keys live at the bucket root.
	Prefix string

	// Region is the AWS region. Empty lets the SDK resolve from
	// environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name from shared config.
	Profile string

	// ForcePathStyle forces path-style URLs. Required for most
	// S3-compatible stores.
	ForcePathStyle bool
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("blob: bucket is required")
	}
	return nil
}
