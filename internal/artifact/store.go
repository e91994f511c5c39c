// Package artifact loads versioned ruleset and field-registry artifacts from
// object storage, verifying manifests and checksums before anything is
// handed to the compiler.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound distinguishes a missing object from a transport failure.
// Callers treat the former as "no artifact published" and the latter as
// "storage unavailable".
var ErrNotFound = errors.New("artifact not found")

// BlobStore is the narrow storage surface the loader needs.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) error
}

// S3Config connects the store to an S3-compatible endpoint (AWS or MinIO).
type S3Config struct {
	// "http://127.0.0.1:9000" for MinIO; empty for AWS default resolution.
	EndpointURL string
	Region      string
	AccessKey   string
	SecretKey   string
	Bucket      string
}

// S3Store implements BlobStore over one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// Connect builds the S3 client for an endpoint.
func Connect(cfg S3Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
}

// NewS3Store wraps a client and bucket as a BlobStore.
func NewS3Store(client *s3.Client, bucket string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client can't be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name can't be empty")
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
