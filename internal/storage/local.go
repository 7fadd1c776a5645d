package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage implements ObjectStorage on the local filesystem. It backs
// single-node deployments and tests.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a filesystem-backed store rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies a local file into the store.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	// Write to a temp name first so a crash never leaves a partial object
	// visible under the final path.
	tmp := destPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// UploadMultipart behaves like Upload locally and returns an md5 tag.
func (l *LocalStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := l.Upload(ctx, localPath, objectPath); err != nil {
		return "", err
	}

	f, err := os.Open(l.fullPath(objectPath))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer f.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Download copies an object out of the store.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := l.fullPath(objectPath)
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return ErrObjectNotFound
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object. Idempotent.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects returns every object path under the given prefix.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) != ".tmp" {
			rel, err := filepath.Rel(l.basePath, path)
			if err != nil {
				return err
			}
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, objectPath)
}
