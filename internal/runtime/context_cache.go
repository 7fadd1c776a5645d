package runtime

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/internal/observability"
)

// SqlContext is the aggregate federated view over every included dataset,
// identified by a deterministic content signature. Instances are immutable
// once published; refresh replaces the whole snapshot.
type SqlContext struct {
	Datasets   []*DatasetContext
	BySlug     map[string]*DatasetContext
	Signature  string
	Warnings   []string
	BuiltAt    time.Time
	Generation uint64
}

// Dataset returns the context for a slug.
func (c *SqlContext) Dataset(slug string) (*DatasetContext, bool) {
	dc, ok := c.BySlug[slug]
	return dc, ok
}

// PendingInvalidation is one dataset-scoped invalidation awaiting drain.
type PendingInvalidation struct {
	DatasetID string
	Slug      string
	Reason    string
	FirstAt   time.Time
	LastAt    time.Time
	Attempts  int
}

// InvalidateOptions selects what an invalidation covers. An empty DatasetID
// and Slug, or Global set, flushes everything.
type InvalidateOptions struct {
	DatasetID string
	Slug      string
	Reason    string
	Global    bool
}

// CacheOptions tunes the runtime cache.
type CacheOptions struct {
	// TTL bounds how long a built context is served. TTL <= 0 disables
	// caching: every load rebuilds synchronously.
	TTL time.Duration

	// IncrementalRefresh enables per-dataset refresh for pending
	// invalidations instead of full rebuilds.
	IncrementalRefresh bool

	// FallbackTableName names the table inside partition files that carry
	// no table name in their metadata.
	FallbackTableName string
}

// RuntimeCache owns the cached SqlContext, its pending invalidations, the
// generation counter, and the single-flight build slot. All external cache
// mutation goes through Invalidate.
type RuntimeCache struct {
	store   CatalogReader
	opts    CacheOptions
	builder *contextBuilder
	conns   *ConnCache
	stats   *observability.CacheStats

	mu         sync.Mutex
	cached     *SqlContext
	expiresAt  time.Time
	pending    map[string]*PendingInvalidation
	generation uint64
	inflight   *buildCall
	lastError  string
}

// buildCall is the single-flight slot: late callers wait on done and share
// the first caller's result.
type buildCall struct {
	done   chan struct{}
	result *SqlContext
	err    error
}

// NewRuntimeCache creates a cache over the given catalog. conns may be nil
// when no connection cache is wired (tests, tooling).
func NewRuntimeCache(store CatalogReader, opts CacheOptions, conns *ConnCache) *RuntimeCache {
	if opts.FallbackTableName == "" {
		opts.FallbackTableName = "records"
	}
	return &RuntimeCache{
		store:   store,
		opts:    opts,
		builder: &contextBuilder{store: store, fallbackTable: opts.FallbackTableName},
		conns:   conns,
		stats:   observability.NewCacheStats(),
		pending: make(map[string]*PendingInvalidation),
	}
}

// Stats exposes the cache's counters.
func (rc *RuntimeCache) Stats() *observability.CacheStats {
	return rc.stats
}

// LoadContext returns the current SqlContext, rebuilding or incrementally
// refreshing as needed. Concurrent callers during a build share one result.
func (rc *RuntimeCache) LoadContext(ctx context.Context) (*SqlContext, error) {
	if rc.opts.TTL <= 0 {
		started := time.Now()
		built, err := rc.buildFull(ctx, 0)
		rc.stats.RecordBuild(time.Since(started), err)
		return built, err
	}

	rc.mu.Lock()

	if call := rc.inflight; call != nil {
		rc.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		return call.result, nil
	}

	now := time.Now()
	if rc.cached != nil && now.Before(rc.expiresAt) && len(rc.pending) == 0 {
		// Fresh hit: sliding expiry.
		rc.expiresAt = now.Add(rc.opts.TTL)
		cached := rc.cached
		rc.mu.Unlock()
		rc.stats.RecordHit()
		return cached, nil
	}

	rc.stats.RecordMiss()

	incremental := rc.cached != nil && rc.opts.IncrementalRefresh && len(rc.pending) > 0 && now.Before(rc.expiresAt)

	call := &buildCall{done: make(chan struct{})}
	rc.inflight = call
	gen := rc.generation
	base := rc.cached

	var drained []*PendingInvalidation
	if incremental {
		for _, inv := range rc.pending {
			drained = append(drained, inv)
		}
	}
	rc.mu.Unlock()

	started := time.Now()
	var built *SqlContext
	var refreshed []string
	var err error
	if incremental {
		built, refreshed, err = rc.refreshIncremental(ctx, base, drained, gen)
		rc.stats.RecordRefresh(time.Since(started), err)
	} else {
		built, err = rc.buildFull(ctx, gen)
		rc.stats.RecordBuild(time.Since(started), err)
	}

	rc.mu.Lock()
	rc.inflight = nil
	if err != nil {
		// The failed attempt must not poison the slot: the next call
		// starts a fresh build.
		rc.lastError = err.Error()
		call.err = err
		rc.mu.Unlock()
		close(call.done)
		return nil, err
	}
	rc.lastError = ""

	if rc.generation == gen {
		oldSig := ""
		if rc.cached != nil {
			oldSig = rc.cached.Signature
		}
		rc.cached = built
		rc.expiresAt = time.Now().Add(rc.opts.TTL)
		if incremental {
			for _, id := range refreshed {
				delete(rc.pending, id)
			}
		} else {
			rc.pending = make(map[string]*PendingInvalidation)
		}
		if rc.conns != nil && oldSig != "" && oldSig != built.Signature {
			rc.conns.Flush(oldSig)
		}
	} else {
		// An invalidation landed mid-build. The result is correct for its
		// callers but must not resurrect pre-invalidation state.
		log.Printf("[WARN] runtime: discarding context built under generation %d (now %d)", gen, rc.generation)
	}
	rc.mu.Unlock()

	call.result = built
	close(call.done)
	return built, nil
}

// buildFull rebuilds every dataset by draining the paginated listing.
func (rc *RuntimeCache) buildFull(ctx context.Context, gen uint64) (*SqlContext, error) {
	targets := newTargetCache(rc.store)
	sc := &SqlContext{
		BySlug:     make(map[string]*DatasetContext),
		BuiltAt:    time.Now(),
		Generation: gen,
	}

	cursor := ""
	for {
		page, err := rc.store.ListDatasets(ctx, cursor, "")
		if err != nil {
			return nil, lakeerrors.NewCatalogError(lakeerrors.CodeCatalogQuery, "failed to list datasets", err)
		}
		for _, ds := range page.Datasets {
			dc, err := rc.builder.build(ctx, ds, targets, "full rebuild")
			if err != nil {
				return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryContext, lakeerrors.CodeContextBuildFailed,
					fmt.Sprintf("failed to build context for dataset %s", ds.Slug), err)
			}
			sc.Datasets = append(sc.Datasets, dc)
			sc.BySlug[dc.Dataset.Slug] = dc
			sc.Warnings = append(sc.Warnings, dc.Warnings...)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	sc.Signature = aggregateSignature(sc.Datasets)
	return sc, nil
}

// refreshIncremental rebuilds only the pending datasets on top of base.
// Failed refreshes stay pending (no backoff, next load retries); removed
// datasets drop out of the context. Returns the dataset keys whose pending
// entries were drained.
func (rc *RuntimeCache) refreshIncremental(ctx context.Context, base *SqlContext, drained []*PendingInvalidation, gen uint64) (*SqlContext, []string, error) {
	targets := newTargetCache(rc.store)

	sc := &SqlContext{
		BySlug:     make(map[string]*DatasetContext, len(base.BySlug)),
		BuiltAt:    time.Now(),
		Generation: gen,
	}
	for slug, dc := range base.BySlug {
		sc.BySlug[slug] = dc
	}

	var refreshed []string
	for _, inv := range drained {
		ds, err := rc.resolveDataset(ctx, inv)
		if err != nil {
			rc.markRetry(inv)
			sc.Warnings = append(sc.Warnings, fmt.Sprintf("refresh of dataset %s failed: %v", pendingKey(inv), err))
			continue
		}
		if ds == nil {
			// Dataset removed; drop its context.
			for slug, dc := range sc.BySlug {
				if (inv.DatasetID != "" && dc.Dataset.ID == inv.DatasetID) || (inv.Slug != "" && slug == inv.Slug) {
					delete(sc.BySlug, slug)
				}
			}
			refreshed = append(refreshed, pendingKey(inv))
			continue
		}

		reason := inv.Reason
		if reason == "" {
			reason = "invalidation"
		}
		dc, err := rc.builder.build(ctx, ds, targets, reason)
		if err != nil {
			rc.markRetry(inv)
			sc.Warnings = append(sc.Warnings, fmt.Sprintf("refresh of dataset %s failed: %v", ds.Slug, err))
			continue
		}
		// Drop the stale entry by dataset id first: a slug rename would
		// otherwise leave the old-slug context alongside the fresh one.
		for slug, existing := range sc.BySlug {
			if existing.Dataset.ID == ds.ID {
				delete(sc.BySlug, slug)
			}
		}
		sc.BySlug[ds.Slug] = dc
		refreshed = append(refreshed, pendingKey(inv))
	}

	for _, dc := range orderedBySlug(sc.BySlug) {
		sc.Datasets = append(sc.Datasets, dc)
	}
	sc.Signature = aggregateSignature(sc.Datasets)
	return sc, refreshed, nil
}

func (rc *RuntimeCache) resolveDataset(ctx context.Context, inv *PendingInvalidation) (*catalog.Dataset, error) {
	if inv.DatasetID != "" {
		return rc.store.GetDatasetByID(ctx, inv.DatasetID)
	}
	return rc.store.GetDatasetBySlug(ctx, inv.Slug)
}

// markRetry keeps a failed refresh pending so the next load retries it.
func (rc *RuntimeCache) markRetry(inv *PendingInvalidation) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if existing, ok := rc.pending[pendingKey(inv)]; ok {
		existing.LastAt = time.Now()
		existing.Attempts++
	}
}

// Invalidate records that external state changed. A global (or non-dataset)
// invalidation drops the cached context and flushes every cached connection
// entry; a dataset-scoped one merges a pending record for the next load to
// drain. Every invalidation bumps the generation so in-flight builds cannot
// publish pre-invalidation state.
func (rc *RuntimeCache) Invalidate(opts InvalidateOptions) {
	rc.stats.RecordInvalidation()

	rc.mu.Lock()
	rc.generation++

	if opts.Global || (opts.DatasetID == "" && opts.Slug == "") || !rc.opts.IncrementalRefresh {
		rc.cached = nil
		rc.pending = make(map[string]*PendingInvalidation)
		conns := rc.conns
		rc.mu.Unlock()
		if conns != nil {
			conns.FlushAll()
		}
		return
	}

	key := opts.DatasetID
	if key == "" {
		key = "slug:" + opts.Slug
	}
	now := time.Now()
	if existing, ok := rc.pending[key]; ok {
		existing.LastAt = now
		if opts.Reason != "" {
			existing.Reason = opts.Reason
		}
	} else {
		rc.pending[key] = &PendingInvalidation{
			DatasetID: opts.DatasetID,
			Slug:      opts.Slug,
			Reason:    opts.Reason,
			FirstAt:   now,
			LastAt:    now,
		}
	}
	rc.mu.Unlock()
}

// CacheSnapshot is read-only diagnostics for an operational endpoint.
type CacheSnapshot struct {
	HasContext        bool
	ContextSignature  string
	ContextBuiltAt    time.Time
	ExpiresAt         time.Time
	Generation        uint64
	LastError         string
	DatasetSignatures map[string]string
	Pending           []PendingInvalidation
	Stats             observability.Snapshot
}

// Snapshot returns current cache diagnostics.
func (rc *RuntimeCache) Snapshot() CacheSnapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	snap := CacheSnapshot{
		Generation:        rc.generation,
		LastError:         rc.lastError,
		ExpiresAt:         rc.expiresAt,
		DatasetSignatures: make(map[string]string),
		Stats:             rc.stats.Get(),
	}
	if rc.cached != nil {
		snap.HasContext = true
		snap.ContextSignature = rc.cached.Signature
		snap.ContextBuiltAt = rc.cached.BuiltAt
		for slug, dc := range rc.cached.BySlug {
			snap.DatasetSignatures[slug] = dc.Signature
		}
	}
	for _, inv := range rc.pending {
		snap.Pending = append(snap.Pending, *inv)
	}
	return snap
}

func pendingKey(inv *PendingInvalidation) string {
	if inv.DatasetID != "" {
		return inv.DatasetID
	}
	return "slug:" + inv.Slug
}

func orderedBySlug(m map[string]*DatasetContext) []*DatasetContext {
	out := make([]*DatasetContext, 0, len(m))
	for _, dc := range m {
		out = append(out, dc)
	}
	sortDatasetContexts(out)
	return out
}

func sortDatasetContexts(dcs []*DatasetContext) {
	sort.Slice(dcs, func(i, j int) bool { return dcs[i].Dataset.Slug < dcs[j].Dataset.Slug })
}
