package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage implements ObjectStorage for S3 and S3-compatible backends.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	multipart  MultipartConfig
	maxRetries int
}

// S3Options configures an S3 backend client.
type S3Options struct {
	// Region is the bucket region.
	Region string
	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// Multipart tunes multipart uploads.
	Multipart MultipartConfig
}

// NewS3Storage creates an S3 client for one bucket.
func NewS3Storage(ctx context.Context, bucket string, opts S3Options) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	if opts.Multipart.PartSize <= 0 {
		opts.Multipart = DefaultMultipartConfig()
	}

	return &S3Storage{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     bucket,
		multipart:  opts.Multipart,
		maxRetries: 3,
	}, nil
}

// NewS3StorageWithClient wraps a pre-configured client, used by tests.
func NewS3StorageWithClient(client *s3.Client, bucket string, opts S3Options) *S3Storage {
	if opts.Multipart.PartSize <= 0 {
		opts.Multipart = DefaultMultipartConfig()
	}
	return &S3Storage{
		client:     client,
		bucket:     bucket,
		multipart:  opts.Multipart,
		maxRetries: 3,
	}
}

// Upload uploads a file with a single PutObject.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	return s.retryWithBackoff(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
}

// UploadMultipart uploads a partition file in parts when it exceeds the
// configured part size, falling back to a plain upload otherwise.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if stat.Size() <= s.multipart.PartSize {
		if err := s.Upload(ctx, localPath, objectPath); err != nil {
			return "", err
		}
		return s.headETag(ctx, objectPath)
	}

	var etag string
	err = s.retryWithBackoff(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var uploadErr error
		etag, uploadErr = s.doMultipartUpload(ctx, file, stat.Size(), objectPath)
		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return etag, nil
}

func (s *S3Storage) doMultipartUpload(ctx context.Context, file *os.File, fileSize int64, objectPath string) (string, error) {
	partSize := s.multipart.PartSize

	createResp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}

	uploadID := createResp.UploadId
	numParts := int(math.Ceil(float64(fileSize) / float64(partSize)))
	completedParts := make([]types.CompletedPart, 0, numParts)

	for partNum := 1; partNum <= numParts; partNum++ {
		offset := int64(partNum-1) * partSize
		size := partSize
		if offset+size > fileSize {
			size = fileSize - offset
		}

		uploadResp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(partNum)),
			Body:          io.NewSectionReader(file, offset, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.abortMultipartUpload(ctx, objectPath, uploadID)
			return "", err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       uploadResp.ETag,
			PartNumber: aws.Int32(int32(partNum)),
		})
	}

	completeResp, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.abortMultipartUpload(ctx, objectPath, uploadID)
		return "", err
	}
	return aws.ToString(completeResp.ETag), nil
}

func (s *S3Storage) abortMultipartUpload(ctx context.Context, objectPath string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
}

// Download fetches an object to localPath.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if getErr != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(getErr, &noSuchKey) {
				return ErrObjectNotFound
			}
		}
		return getErr
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object. S3 deletes are idempotent.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// ListObjects returns every object path under the given prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	return objects, nil
}

func (s *S3Storage) headETag(ctx context.Context, objectPath string) (string, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// retryWithBackoff runs operation with exponential backoff.
func (s *S3Storage) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
