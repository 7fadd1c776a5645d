package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/pkg/types"
)

// fakeCatalog is an in-memory CatalogReader with failure injection and call
// counting.
type fakeCatalog struct {
	mu        sync.Mutex
	listCalls int
	listDelay time.Duration
	failList  bool
	failGet   map[string]bool
	datasets  map[string]*catalog.Dataset
	manifests map[string][]*catalog.Manifest
	schemas   map[string]*catalog.SchemaVersion
	targets   map[string]*catalog.StorageTarget
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		failGet:   make(map[string]bool),
		datasets:  make(map[string]*catalog.Dataset),
		manifests: make(map[string][]*catalog.Manifest),
		schemas:   make(map[string]*catalog.SchemaVersion),
		targets:   make(map[string]*catalog.StorageTarget),
	}
}

func (f *fakeCatalog) addDataset(id, slug string) *catalog.Dataset {
	ds := &catalog.Dataset{
		ID:          id,
		Slug:        slug,
		Status:      catalog.DatasetStatusActive,
		WriteFormat: catalog.WriteFormatNative,
		UpdatedAt:   time.UnixMilli(1700000000000),
	}
	f.mu.Lock()
	f.datasets[id] = ds
	f.mu.Unlock()
	return ds
}

func (f *fakeCatalog) ListDatasets(ctx context.Context, cursor, statusFilter string) (*catalog.DatasetPage, error) {
	f.mu.Lock()
	f.listCalls++
	fail := f.failList
	delay := f.listDelay
	out := make([]*catalog.Dataset, 0, len(f.datasets))
	for _, ds := range f.datasets {
		out = append(out, ds)
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("catalog unavailable")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return &catalog.DatasetPage{Datasets: out}, nil
}

func (f *fakeCatalog) GetDatasetByID(ctx context.Context, id string) (*catalog.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet[id] {
		return nil, fmt.Errorf("catalog unavailable")
	}
	return f.datasets[id], nil
}

func (f *fakeCatalog) GetDatasetBySlug(ctx context.Context, slug string) (*catalog.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ds := range f.datasets {
		if ds.Slug == slug {
			return ds, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalog) ListPublishedManifestsWithPartitions(ctx context.Context, datasetID string) ([]*catalog.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifests[datasetID], nil
}

func (f *fakeCatalog) GetSchemaVersionByID(ctx context.Context, id string) (*catalog.SchemaVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schemas[id], nil
}

func (f *fakeCatalog) GetStorageTargetByID(ctx context.Context, id string) (*catalog.StorageTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[id], nil
}

func (f *fakeCatalog) countListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeCatalog) touchDataset(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[id].UpdatedAt = f.datasets[id].UpdatedAt.Add(time.Second)
}

func cacheOpts() CacheOptions {
	return CacheOptions{TTL: time.Minute, IncrementalRefresh: true}
}

func TestLoadContextSingleFlight(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.listDelay = 50 * time.Millisecond

	rc := NewRuntimeCache(fc, cacheOpts(), nil)

	var wg sync.WaitGroup
	results := make([]*SqlContext, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := rc.LoadContext(context.Background())
			if err != nil {
				t.Errorf("load %d failed: %v", i, err)
				return
			}
			results[i] = sc
		}(i)
	}
	wg.Wait()

	if got := fc.countListCalls(); got != 1 {
		t.Fatalf("expected 1 catalog listing for 8 concurrent loads, got %d", got)
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent loads returned different contexts")
		}
	}

	// A later load is a cache hit.
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fc.countListCalls(); got != 1 {
		t.Fatalf("cache hit triggered a rebuild, list calls = %d", got)
	}
	if snap := rc.Snapshot(); snap.Stats.Hits == 0 {
		t.Fatal("expected at least one recorded hit")
	}
}

func TestLoadContextTTLDisabledRebuildsEveryCall(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")

	rc := NewRuntimeCache(fc, CacheOptions{TTL: 0}, nil)

	for i := 0; i < 3; i++ {
		if _, err := rc.LoadContext(context.Background()); err != nil {
			t.Fatalf("load %d failed: %v", i, err)
		}
	}
	if got := fc.countListCalls(); got != 3 {
		t.Fatalf("expected 3 rebuilds with caching disabled, got %d", got)
	}
}

func TestLoadContextBuildFailureDoesNotPoison(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.mu.Lock()
	fc.failList = true
	fc.mu.Unlock()

	rc := NewRuntimeCache(fc, cacheOpts(), nil)

	if _, err := rc.LoadContext(context.Background()); err == nil {
		t.Fatal("expected build failure")
	}
	if snap := rc.Snapshot(); snap.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}

	fc.mu.Lock()
	fc.failList = false
	fc.mu.Unlock()

	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatalf("recovery load failed: %v", err)
	}
	if _, ok := sc.Dataset("alpha"); !ok {
		t.Fatal("recovered context missing dataset")
	}
	if snap := rc.Snapshot(); snap.LastError != "" {
		t.Fatalf("last error not cleared: %s", snap.LastError)
	}
}

func TestInvalidateGlobalDropsContext(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")

	rc := NewRuntimeCache(fc, cacheOpts(), nil)

	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	rc.Invalidate(InvalidateOptions{Global: true, Reason: "manual flush"})

	if snap := rc.Snapshot(); snap.HasContext {
		t.Fatal("global invalidation left a cached context")
	}
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fc.countListCalls(); got != 2 {
		t.Fatalf("expected rebuild after global invalidation, list calls = %d", got)
	}
}

func TestIncrementalRefreshRebuildsOnlyPendingDataset(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.addDataset("ds-b", "beta")

	rc := NewRuntimeCache(fc, cacheOpts(), nil)

	first, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	alphaBefore, _ := first.Dataset("alpha")
	betaBefore, _ := first.Dataset("beta")

	fc.touchDataset("ds-a")
	rc.Invalidate(InvalidateOptions{DatasetID: "ds-a", Reason: "manifest published"})

	second, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("refresh did not produce a new context snapshot")
	}

	alphaAfter, _ := second.Dataset("alpha")
	betaAfter, _ := second.Dataset("beta")
	if betaAfter != betaBefore {
		t.Fatal("untouched dataset was rebuilt during incremental refresh")
	}
	if alphaAfter == alphaBefore {
		t.Fatal("invalidated dataset was not rebuilt")
	}
	if alphaAfter.Signature == alphaBefore.Signature {
		t.Fatal("rebuilt dataset kept its old signature")
	}
	if second.Signature == first.Signature {
		t.Fatal("aggregate signature unchanged after refresh")
	}
	if got := fc.countListCalls(); got != 1 {
		t.Fatalf("incremental refresh ran a full listing, list calls = %d", got)
	}
	if snap := rc.Snapshot(); len(snap.Pending) != 0 {
		t.Fatalf("pending set not drained: %+v", snap.Pending)
	}
}

func TestIncrementalRefreshDropsRemovedDataset(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.addDataset("ds-b", "beta")

	rc := NewRuntimeCache(fc, cacheOpts(), nil)
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	delete(fc.datasets, "ds-b")
	fc.mu.Unlock()
	rc.Invalidate(InvalidateOptions{DatasetID: "ds-b", Slug: "beta", Reason: "dataset deleted"})

	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sc.Dataset("beta"); ok {
		t.Fatal("removed dataset still present after refresh")
	}
	if _, ok := sc.Dataset("alpha"); !ok {
		t.Fatal("surviving dataset missing after refresh")
	}
}

func TestIncrementalRefreshHandlesSlugRename(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.addDataset("ds-b", "beta")

	rc := NewRuntimeCache(fc, cacheOpts(), nil)
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	fc.datasets["ds-a"].Slug = "alpha-renamed"
	fc.mu.Unlock()
	fc.touchDataset("ds-a")
	rc.Invalidate(InvalidateOptions{DatasetID: "ds-a", Reason: "slug changed"})

	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sc.Dataset("alpha"); ok {
		t.Fatal("stale slug entry survived the rename")
	}
	if _, ok := sc.Dataset("alpha-renamed"); !ok {
		t.Fatal("renamed dataset missing")
	}
	if len(sc.Datasets) != 2 {
		t.Fatalf("expected 2 datasets after rename, got %d", len(sc.Datasets))
	}
}

func TestIncrementalRefreshFailureStaysPending(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")

	rc := NewRuntimeCache(fc, cacheOpts(), nil)
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}

	fc.mu.Lock()
	fc.failGet["ds-a"] = true
	fc.mu.Unlock()
	rc.Invalidate(InvalidateOptions{DatasetID: "ds-a"})

	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatalf("refresh failure must not fail the load: %v", err)
	}
	if len(sc.Warnings) == 0 {
		t.Fatal("expected a refresh warning")
	}

	snap := rc.Snapshot()
	if len(snap.Pending) != 1 {
		t.Fatalf("expected 1 pending invalidation, got %d", len(snap.Pending))
	}
	if snap.Pending[0].Attempts != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", snap.Pending[0].Attempts)
	}

	// Once the catalog recovers the pending entry drains.
	fc.mu.Lock()
	fc.failGet["ds-a"] = false
	fc.mu.Unlock()
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap := rc.Snapshot(); len(snap.Pending) != 0 {
		t.Fatalf("pending entry not drained after recovery: %+v", snap.Pending)
	}
}

func TestInvalidationDuringBuildDiscardsResult(t *testing.T) {
	fc := newFakeCatalog()
	fc.addDataset("ds-a", "alpha")
	fc.listDelay = 80 * time.Millisecond

	rc := NewRuntimeCache(fc, cacheOpts(), nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rc.Invalidate(InvalidateOptions{Global: true})
	}()

	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sc == nil {
		t.Fatal("caller of a discarded build must still get its result")
	}

	// The stale result was not cached: the next load rebuilds.
	fc.mu.Lock()
	fc.listDelay = 0
	fc.mu.Unlock()
	if _, err := rc.LoadContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fc.countListCalls(); got != 2 {
		t.Fatalf("expected the discarded build to force a rebuild, list calls = %d", got)
	}
}

func TestLoadContextRespectsStatusAndWarnings(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha-2024!")
	fc.manifests[ds.ID] = []*catalog.Manifest{{
		ID:        "m-1",
		DatasetID: ds.ID,
		Version:   1,
		Status:    catalog.ManifestStatusPublished,
		UpdatedAt: ds.UpdatedAt,
	}}

	rc := NewRuntimeCache(fc, cacheOpts(), nil)
	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	dc, ok := sc.Dataset("alpha-2024!")
	if !ok {
		t.Fatal("dataset missing")
	}
	if dc.ViewName != "alpha_2024" {
		t.Fatalf("unexpected view name %q", dc.ViewName)
	}
	if len(sc.Warnings) == 0 {
		t.Fatal("expected warnings for sanitized view name and missing schema")
	}
}

func TestLoadContextColumnsFromSchemaVersion(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha")
	fc.schemas["sv-1"] = &catalog.SchemaVersion{
		ID: "sv-1", DatasetID: ds.ID, Version: 1,
		Fields: []types.ColumnDef{
			{Name: "ts", Type: types.TypeTimestamp},
			{Name: "temperature_c", Type: types.TypeDouble, Nullable: true},
		},
	}
	fc.manifests[ds.ID] = []*catalog.Manifest{{
		ID: "m-1", DatasetID: ds.ID, Version: 1,
		Status: catalog.ManifestStatusPublished, SchemaVersionID: "sv-1",
		UpdatedAt: ds.UpdatedAt,
	}}

	rc := NewRuntimeCache(fc, cacheOpts(), nil)
	sc, err := rc.LoadContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	dc, _ := sc.Dataset("alpha")
	if len(dc.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(dc.Columns))
	}
	if col, ok := dc.Column("temperature_c"); !ok || col.Type != types.TypeDouble || !col.Nullable {
		t.Fatalf("unexpected column: %+v", col)
	}
}
