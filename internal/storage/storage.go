// Package storage moves engine snapshot files to and from object storage.
package storage

import (
	"context"
	"errors"

	apperrors "github.com/isamap/isamap/internal/errors"
)

// ErrObjectNotFound is wrapped by every error that reports a missing object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage abstracts object storage operations.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies a local file to objectPath and returns the object's ETag.
	Upload(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to a local file. A missing object yields an
	// error wrapping ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}

// IsNotFound reports whether err says an object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

func notFound(objectPath string) error {
	return apperrors.NewStorageError(apperrors.CodeObjectNotFound, objectPath, ErrObjectNotFound)
}

func uploadFailed(objectPath string, err error) error {
	return apperrors.NewStorageError(apperrors.CodeUploadFailed, "upload "+objectPath, err)
}

func downloadFailed(objectPath string, err error) error {
	return apperrors.NewStorageError(apperrors.CodeDownloadFailed, "download "+objectPath, err)
}
