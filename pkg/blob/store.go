package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Fixed leaf names under each cache key's prefix. The result key is injected
// into the job container as its output target, so it is part of the contract
// with the job image.
const (
	inputLeaf  = "input.data"
	resultLeaf = "result.dump"
)

// S3API is the slice of the S3 client used by the blob store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store reads and writes job payloads under a bucket and optional prefix.
type Store struct {
	client S3API
	bucket string
	prefix string
}

// New creates a blob store with its own S3 client from the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewWithClient creates a blob store over an existing client.
func NewWithClient(client S3API, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// keyPrefix returns the per-cache-key prefix, honoring the store prefix.
func (s *Store) keyPrefix(cacheKey string) string {
	if s.prefix == "" {
		return cacheKey
	}
	return path.Join(s.prefix, cacheKey)
}

// InputKey is where a cache key's input payload is written.
func (s *Store) InputKey(cacheKey string) string {
	return path.Join(s.keyPrefix(cacheKey), inputLeaf)
}

// ResultKey is where the compute job is expected to write its output.
func (s *Store) ResultKey(cacheKey string) string {
	return path.Join(s.keyPrefix(cacheKey), resultLeaf)
}

// URI returns the s3:// address for a key, as handed to job containers.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Put writes a payload and returns its s3:// URI.
func (s *Store) Put(ctx context.Context, key, payload string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(payload)),
	})
	if err != nil {
		return "", &StoreError{Op: "Put", Bucket: s.bucket, Key: key, Err: err}
	}
	return s.URI(key), nil
}

// Get reads a payload. Returns nil when the object does not exist; the
// orchestration engine treats absence as "not written yet", not an error.
func (s *Store) Get(ctx context.Context, key string) (*string, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "Get", Bucket: s.bucket, Key: key, Err: err}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &StoreError{Op: "Get", Bucket: s.bucket, Key: key, Err: err}
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &StoreError{Op: "Get", Bucket: s.bucket, Key: key, Err: err}
	}
	payload := string(b)
	return &payload, nil
}

// StoreError wraps S3 errors with blob context.
type StoreError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("blob %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
