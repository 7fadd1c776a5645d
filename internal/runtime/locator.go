package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/internal/storage"
)

// ResolveLocation maps a partition and its storage target to a location
// string. Unsupported kinds and missing required config fields fail with
// UNRESOLVED_STORAGE_TARGET.
func ResolveLocation(p *catalog.Partition, target *catalog.StorageTarget) (string, error) {
	switch target.Kind {
	case catalog.TargetKindLocal:
		root := target.Config["root"]
		if root == "" {
			return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
				"local target %s has no root", target.Name)
		}
		return filepath.Join(root, p.RelativePath), nil
	case catalog.TargetKindS3:
		bucket := target.Config["bucket"]
		if bucket == "" {
			return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
				"s3 target %s has no bucket", target.Name)
		}
		return "s3://" + bucket + "/" + objectKey(target, p), nil
	case catalog.TargetKindGCS:
		bucket := target.Config["bucket"]
		if bucket == "" {
			return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
				"gcs target %s has no bucket", target.Name)
		}
		return "gs://" + bucket + "/" + objectKey(target, p), nil
	case catalog.TargetKindAzure:
		container := target.Config["container"]
		if container == "" {
			return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
				"azure target %s has no container", target.Name)
		}
		return "azure://" + container + "/" + objectKey(target, p), nil
	default:
		return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
			"unsupported storage kind %q", target.Kind)
	}
}

func objectKey(target *catalog.StorageTarget, p *catalog.Partition) string {
	prefix := strings.Trim(target.Config["prefix"], "/")
	if prefix == "" {
		return p.RelativePath
	}
	return prefix + "/" + p.RelativePath
}

// backendIdentity keys remote-access configuration. Targets that differ only
// in name but share kind, bucket, endpoint and region reuse one client.
func backendIdentity(target *catalog.StorageTarget) string {
	return strings.Join([]string{
		target.Kind,
		target.Config["bucket"],
		target.Config["container"],
		target.Config["endpoint"],
		target.Config["region"],
	}, "|")
}

// Fetcher makes partition files locally readable before attach. Remote
// backends get one client per backend identity, installed on first use;
// downloads land in a size-bounded local cache keyed by partition id.
type Fetcher struct {
	downloadDir string
	cacheBytes  int64

	mu      sync.Mutex
	clients map[string]storage.ObjectStorage
}

// NewFetcher creates a fetcher writing downloads under downloadDir, evicting
// least-recently-used files once the directory exceeds cacheBytes.
func NewFetcher(downloadDir string, cacheBytes int64) *Fetcher {
	return &Fetcher{
		downloadDir: downloadDir,
		cacheBytes:  cacheBytes,
		clients:     make(map[string]storage.ObjectStorage),
	}
}

// EnsureLocal returns a local filesystem path for the partition, downloading
// it first when the target is remote.
func (f *Fetcher) EnsureLocal(ctx context.Context, p *catalog.Partition, target *catalog.StorageTarget) (string, error) {
	switch target.Kind {
	case catalog.TargetKindLocal:
		return ResolveLocation(p, target)
	case catalog.TargetKindS3:
		return f.fetch(ctx, p, target)
	default:
		return "", lakeerrors.Newf(lakeerrors.ErrCategoryStorage, lakeerrors.CodeUnresolvedStorageTarget,
			"fetching from %q targets is not supported", target.Kind)
	}
}

func (f *Fetcher) fetch(ctx context.Context, p *catalog.Partition, target *catalog.StorageTarget) (string, error) {
	localPath := filepath.Join(f.downloadDir, p.ID+".db")
	if _, err := os.Stat(localPath); err == nil {
		// Touch so eviction treats it as recently used.
		now := time.Now()
		_ = os.Chtimes(localPath, now, now)
		return localPath, nil
	}

	client, err := f.clientFor(ctx, target)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.downloadDir, 0755); err != nil {
		return "", lakeerrors.NewStorageError(lakeerrors.CodeDownloadFailed, "failed to create download directory", err)
	}
	if err := client.Download(ctx, objectKey(target, p), localPath); err != nil {
		return "", lakeerrors.NewStorageError(lakeerrors.CodeDownloadFailed,
			fmt.Sprintf("failed to fetch partition %s", p.ID), err)
	}

	f.evict()
	return localPath, nil
}

// clientFor returns the backend's client, building it once per identity.
func (f *Fetcher) clientFor(ctx context.Context, target *catalog.StorageTarget) (storage.ObjectStorage, error) {
	key := backendIdentity(target)

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	client, err := storage.NewS3Storage(ctx, target.Config["bucket"], storage.S3Options{
		Region:       target.Config["region"],
		Endpoint:     target.Config["endpoint"],
		UsePathStyle: target.Config["use_path_style"] == "true",
	})
	if err != nil {
		return nil, lakeerrors.NewStorageError(lakeerrors.CodeUnresolvedStorageTarget,
			fmt.Sprintf("failed to configure backend for target %s", target.Name), err)
	}
	f.clients[key] = client
	return client, nil
}

// ConfiguredBackends returns how many distinct backends have clients,
// exposed for diagnostics.
func (f *Fetcher) ConfiguredBackends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// evict removes least-recently-used downloads until the cache fits.
func (f *Fetcher) evict() {
	if f.cacheBytes <= 0 {
		return
	}

	entries, err := os.ReadDir(f.downloadDir)
	if err != nil {
		return
	}

	type cached struct {
		path  string
		size  int64
		mtime int64
	}
	var files []cached
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cached{
			path:  filepath.Join(f.downloadDir, e.Name()),
			size:  info.Size(),
			mtime: info.ModTime().UnixMilli(),
		})
		total += info.Size()
	}
	if total <= f.cacheBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })
	for _, file := range files {
		if total <= f.cacheBytes {
			break
		}
		if err := os.Remove(file.path); err != nil {
			log.Printf("[WARN] runtime: failed to evict download %s: %v", file.path, err)
			continue
		}
		total -= file.size
	}
}
