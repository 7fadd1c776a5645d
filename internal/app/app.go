// Package app wires the catalog, storage, staging, runtime caches, and
// query layers into one running Chronolake instance.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/internal/config"
	"github.com/chronolake/chronolake/internal/ingest"
	"github.com/chronolake/chronolake/internal/query"
	"github.com/chronolake/chronolake/internal/router"
	"github.com/chronolake/chronolake/internal/runtime"
	"github.com/chronolake/chronolake/internal/staging"
	"github.com/chronolake/chronolake/internal/storage"
)

// defaultTargetName names the storage target created from the config's
// storage section on first start.
const defaultTargetName = "default"

// App is a fully wired Chronolake instance.
type App struct {
	Config   *config.Config
	Store    *catalog.SQLiteStore
	Objects  storage.ObjectStorage
	Target   *catalog.StorageTarget
	Staging  *staging.Buffer
	Notifier *router.Notifier
	Cache    *runtime.RuntimeCache
	Conns    *runtime.ConnCache
	Planner  *query.Planner
	Executor *query.Executor
	Ingestor *ingest.Ingestor

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an App from resolved, validated configuration. The caller is
// expected to have run cfg.Resolve, cfg.Validate, and cfg.EnsureDirectories.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := catalog.NewStore(cfg.Catalog.Path, cfg.Catalog.PageSize)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open catalog: %w", err)
	}

	a := &App{Config: cfg, Store: store}
	if err := a.wire(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	objects, err := openObjectStorage(ctx, cfg)
	if err != nil {
		return err
	}
	a.Objects = objects

	target, err := a.ensureDefaultTarget(ctx)
	if err != nil {
		return err
	}
	a.Target = target

	buf, err := staging.NewBuffer(cfg.Staging.Dir, cfg.Staging.MaxSegmentBytes, cfg.Runtime.TimestampColumn)
	if err != nil {
		return fmt.Errorf("app: failed to open staging buffer: %w", err)
	}
	a.Staging = buf

	a.Notifier = router.NewNotifier(64)

	fetcher := runtime.NewFetcher(cfg.Runtime.DownloadDir, cfg.Runtime.DownloadCacheBytes)
	a.Conns = runtime.NewConnCache(cfg.Runtime.ConnectionTTL, fetcher)
	a.Cache = runtime.NewRuntimeCache(a.Store, runtime.CacheOptions{
		TTL:                cfg.Runtime.ContextTTL,
		IncrementalRefresh: cfg.Runtime.IncrementalRefresh,
		FallbackTableName:  cfg.Runtime.FallbackTableName,
	}, a.Conns)

	a.Planner = query.NewPlanner(a.Cache, query.Options{TimestampColumn: cfg.Runtime.TimestampColumn})
	a.Executor = query.NewExecutor(a.Conns, a.Staging, cfg.Runtime.MaxStatementBytes, cfg.Runtime.StatementTimeout)

	a.Ingestor = ingest.NewIngestor(a.Store, a.Objects, a.Notifier, ingest.Options{
		PartitionDir:    cfg.Ingest.PartitionDir,
		TargetID:        target.ID,
		TimestampColumn: cfg.Runtime.TimestampColumn,
		TableName:       cfg.Runtime.FallbackTableName,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.invalidationLoop(loopCtx)

	log.Printf("app: wired (storage=%s, target=%s, context_ttl=%s, connection_ttl=%s)",
		cfg.Storage.Kind, target.ID, cfg.Runtime.ContextTTL, cfg.Runtime.ConnectionTTL)
	return nil
}

// ensureDefaultTarget registers the configured storage backend as a catalog
// storage target, reusing the row from a previous run when present.
func (a *App) ensureDefaultTarget(ctx context.Context) (*catalog.StorageTarget, error) {
	existing, err := a.Store.GetStorageTargetByName(ctx, defaultTargetName)
	if err != nil {
		return nil, fmt.Errorf("app: failed to look up default storage target: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	target := &catalog.StorageTarget{Name: defaultTargetName}
	switch a.Config.Storage.Kind {
	case "s3":
		target.Kind = catalog.TargetKindS3
		target.Config = map[string]string{
			"bucket":   a.Config.Storage.S3.Bucket,
			"region":   a.Config.Storage.S3.Region,
			"endpoint": a.Config.Storage.S3.Endpoint,
		}
	default:
		target.Kind = catalog.TargetKindLocal
		target.Config = map[string]string{"root": a.Config.Storage.Path}
	}
	if err := a.Store.CreateStorageTarget(ctx, target); err != nil {
		return nil, fmt.Errorf("app: failed to register default storage target: %w", err)
	}
	log.Printf("app: registered %s storage target %s", target.Kind, target.ID)
	return target, nil
}

func openObjectStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Kind {
	case "s3":
		s3s, err := storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Options{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("app: failed to open s3 storage: %w", err)
		}
		return s3s, nil
	default:
		local, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("app: failed to open local storage: %w", err)
		}
		return local, nil
	}
}

// invalidationLoop translates bus events into runtime cache invalidations.
func (a *App) invalidationLoop(ctx context.Context) {
	defer a.wg.Done()

	sub := a.Notifier.Subscribe("runtime-cache")
	defer a.Notifier.Unsubscribe("runtime-cache")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			a.Cache.Invalidate(runtime.InvalidateOptions{
				DatasetID: ev.DatasetID,
				Reason:    ev.Reason,
				Global:    ev.Scope == router.ScopeGlobal,
			})
		}
	}
}

// Close shuts the instance down in reverse wiring order. Safe to call more
// than once.
func (a *App) Close() error {
	var firstErr error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if a.Conns != nil {
			a.Conns.FlushAll()
		}
		if a.Staging != nil {
			if err := a.Staging.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if a.Store != nil {
			if err := a.Store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		log.Printf("app: closed")
	})
	return firstErr
}
