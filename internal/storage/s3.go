package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Storage keeps snapshot objects in one S3 (or S3-compatible) bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	config S3Config
	logger *zap.SugaredLogger
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// MultipartConfig decides when Upload switches to multipart.
	MultipartConfig MultipartUploadConfig
	// MaxRetries bounds the retries after a failed first attempt.
	MaxRetries int
	// RetryBackoff is the delay before the first retry. It doubles each time.
	RetryBackoff time.Duration
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// S3Option configures an S3Storage.
type S3Option func(*S3Storage)

// WithS3Logger sets the logger retries are reported on.
func WithS3Logger(logger *zap.SugaredLogger) S3Option {
	return func(s *S3Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewS3Storage creates a new S3 storage client from the default AWS
// credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config, opts ...S3Option) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg, opts...), nil
}

// NewS3StorageWithClient creates a new S3 storage with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config, opts ...S3Option) *S3Storage {
	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig = DefaultMultipartConfig()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultS3Config().RetryBackoff
	}
	s := &S3Storage{
		client: client,
		bucket: bucket,
		config: cfg,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload sends a local file to objectPath. Files larger than one part go
// through a multipart upload. The returned ETag is the one S3 reports.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	size := stat.Size()

	var etag string
	err = s.retry(ctx, "upload", objectPath, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var putErr error
		if size > s.config.MultipartConfig.PartSize {
			etag, putErr = s.putMultipart(ctx, file, size, objectPath)
		} else {
			etag, putErr = s.putObject(ctx, file, size, objectPath)
		}
		return putErr
	})
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	return etag, nil
}

func (s *S3Storage) putObject(ctx context.Context, file *os.File, size int64, objectPath string) (string, error) {
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectPath),
		Body:          file,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(resp.ETag), nil
}

func (s *S3Storage) putMultipart(ctx context.Context, file *os.File, size int64, objectPath string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	partSize := s.config.MultipartConfig.PartSize
	var parts []types.CompletedPart
	for offset, num := int64(0), int32(1); offset < size; offset, num = offset+partSize, num+1 {
		n := min(partSize, size-offset)
		resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(num),
			Body:          io.NewSectionReader(file, offset, n),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			s.abortMultipart(ctx, objectPath, uploadID)
			return "", fmt.Errorf("part %d: %w", num, err)
		}
		parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(num)})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abortMultipart(ctx, objectPath, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

func (s *S3Storage) abortMultipart(ctx context.Context, objectPath string, uploadID *string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Warnw("abort multipart upload failed", "key", objectPath, "upload_id", aws.ToString(uploadID), "error", err)
	}
}

// Download fetches objectPath into localPath. The body lands in a partial
// file first, so localPath is never left half written.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	partial := localPath + partialSuffix
	err := s.retry(ctx, "download", objectPath, func() error {
		return s.fetch(ctx, objectPath, partial)
	})
	if err == nil {
		err = os.Rename(partial, localPath)
	}
	if err != nil {
		os.Remove(partial)
		if IsNotFound(err) {
			return err
		}
		return downloadFailed(objectPath, err)
	}
	return nil
}

func (s *S3Storage) fetch(ctx context.Context, objectPath, dest string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		if isS3NotFound(err) {
			return notFound(objectPath)
		}
		return err
	}
	defer resp.Body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Delete removes an object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, "delete", objectPath, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", objectPath, err)
	}
	return nil
}

// Exists reports whether objectPath is present.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retry(ctx, "head", objectPath, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		switch {
		case err == nil:
			exists = true
		case isS3NotFound(err):
			exists = false
		default:
			return err
		}
		return nil
	})
	return exists, err
}

// ListObjects returns all object paths under the given prefix, sorted.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	sort.Strings(objects)
	return objects, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// retry runs fn until it succeeds, reports a missing object, or runs out of
// attempts. The delay starts at RetryBackoff and doubles.
func (s *S3Storage) retry(ctx context.Context, op, objectPath string, fn func() error) error {
	delay := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || IsNotFound(err) || attempt >= s.config.MaxRetries {
			return err
		}

		s.logger.Warnw("s3 request failed, retrying",
			"op", op,
			"key", objectPath,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
