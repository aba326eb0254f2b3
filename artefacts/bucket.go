// Package artefacts moves task inputs and outputs through an S3 compatible
// object store and hosts the sidecar that wraps the user's command inside a
// task container.
package artefacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the slice of the S3 client the bucket wrapper uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// BucketConfig holds the connection settings for the artefact store.
type BucketConfig struct {
	StoreURL   string
	BucketName string
	AccessKey  string
	SecretKey  string
}

// Bucket is a handle to one artefact bucket.
type Bucket struct {
	api    S3API
	name   string
	logger *slog.Logger
}

// NewBucket connects to the object store with path style addressing and
// ensures the bucket exists, creating it when missing.
func NewBucket(ctx context.Context, cfg BucketConfig, logger *slog.Logger) (*Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("custom"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.StoreURL)
		o.UsePathStyle = true
	})

	bucket := &Bucket{api: client, name: cfg.BucketName, logger: logger}
	if err := bucket.ensure(ctx); err != nil {
		return nil, err
	}

	return bucket, nil
}

// ensure probes the bucket with a list request and creates it when the store
// reports it missing.
func (b *Bucket) ensure(ctx context.Context) error {
	_, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.name),
		MaxKeys: aws.Int32(1),
	})
	if err == nil {
		b.logger.Info("using existing bucket", "bucket", b.name)
		return nil
	}

	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &noSuchBucket) {
		b.logger.Error("unable to check if bucket exists", "bucket", b.name, "error", err)
		return fmt.Errorf("check bucket exists: %w", err)
	}

	_, err = b.api.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.name),
		ACL:    types.BucketCannedACLPublicReadWrite,
	})
	if err != nil {
		b.logger.Error("unable to create bucket", "bucket", b.name, "error", err)
		return fmt.Errorf("create bucket: %w", err)
	}

	b.logger.Info("created a new bucket", "bucket", b.name)
	return nil
}

// StorePath is the object key for a named output of a flow.
func StorePath(flowID int64, outputName string) string {
	return fmt.Sprintf("%d/%s", flowID, outputName)
}

// GetArtefact downloads the object at storePath.
func (b *Bucket) GetArtefact(ctx context.Context, storePath string) ([]byte, error) {
	output, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(storePath),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, &ArtefactDoesNotExistError{StorePath: storePath}
		}
		b.logger.Error("could not download artefact", "store_path", storePath, "error", err)
		return nil, fmt.Errorf("download artefact: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read artefact body: %w", err)
	}

	return data, nil
}

// PutArtefact uploads data to storePath.
func (b *Bucket) PutArtefact(ctx context.Context, storePath string, data []byte) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(storePath),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		b.logger.Error("could not upload artefact", "store_path", storePath, "error", err)
		return fmt.Errorf("upload artefact: %w", err)
	}

	return nil
}

// DownloadInput fetches an artefact and writes it to localPath, creating
// parent directories as needed. Transient store errors are retried with
// backoff; a missing artefact is not.
func (b *Bucket) DownloadInput(ctx context.Context, localPath, storePath string) error {
	b.logger.Info("downloading input", "local_path", localPath, "store_path", storePath)

	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = b.GetArtefact(ctx, storePath)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var missing *ArtefactDoesNotExistError
			return !errors.As(err, &missing)
		}),
	)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			b.logger.Error("unable to create parent directories for input", "error", err)
			return fmt.Errorf("create input directories: %w", err)
		}
	}

	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		b.logger.Error("file error while downloading input", "error", err)
		return fmt.Errorf("write input: %w", err)
	}

	return nil
}

// UploadOutput reads localPath and stores it at storePath, retrying transient
// store errors with backoff.
func (b *Bucket) UploadOutput(ctx context.Context, localPath, storePath string) error {
	b.logger.Info("uploading output", "local_path", localPath, "store_path", storePath)

	data, err := os.ReadFile(localPath)
	if err != nil {
		b.logger.Error("file error while uploading output", "error", err)
		return fmt.Errorf("read output: %w", err)
	}

	return retry.Do(
		func() error {
			return b.PutArtefact(ctx, storePath, data)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
