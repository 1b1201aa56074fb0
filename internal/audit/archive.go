package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver receives a partition before retention removes it.
type Archiver interface {
	Archive(ctx context.Context, key string, body io.Reader, size int64) error
}

// S3ArchiverConfig holds configuration for the S3-compatible archiver.
type S3ArchiverConfig struct {
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint is optional; set it for S3-compatible stores such as R2 or MinIO.
	Endpoint string
	// Region defaults to "auto".
	Region string
}

// S3Archiver uploads retired partitions to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver with static credentials.
func NewS3Archiver(cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &S3Archiver{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(path.Join(a.prefix, key)),
		Body:          body,
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit partition: %w", err)
	}
	return nil
}

// HealthCheck verifies the archive bucket is reachable with the configured credentials.
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("archive bucket unreachable: %w", err)
	}
	return nil
}
