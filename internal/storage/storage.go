// Package storage abstracts the object stores partition files live on.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts one storage backend. A fetcher holds one client per
// distinct backend identity and reuses it for every partition on that backend.
type ObjectStorage interface {
	// Upload copies a local file to objectPath on the backend.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads a large file in parts where the backend
	// supports it. Returns the resulting object checksum tag.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies an object to localPath. Returns ErrObjectNotFound
	// when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns every object path under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartConfig tunes multipart uploads of partition files.
type MultipartConfig struct {
	// PartSize is the size of each part in bytes.
	PartSize int64
	// Concurrency is the number of parts uploaded at once.
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart settings.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{
		PartSize:    8 * 1024 * 1024,
		Concurrency: 4,
	}
}
