package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/internal/engine"
	"github.com/chronolake/chronolake/internal/router"
	"github.com/chronolake/chronolake/internal/staging"
	"github.com/chronolake/chronolake/internal/storage"
	"github.com/chronolake/chronolake/pkg/types"
)

type testEnv struct {
	store    *catalog.SQLiteStore
	ingestor *Ingestor
	notifier *router.Notifier
	dataset  *catalog.Dataset
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := catalog.NewStore(filepath.Join(dir, "catalog.db"), 100)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := filepath.Join(dir, "storage")
	local, err := storage.NewLocalStorage(root)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	target := &catalog.StorageTarget{
		Name:   "local",
		Kind:   catalog.TargetKindLocal,
		Config: map[string]string{"root": root},
	}
	if err := store.CreateStorageTarget(ctx, target); err != nil {
		t.Fatal(err)
	}

	ds := &catalog.Dataset{Slug: "sensor-metrics", WriteFormat: catalog.WriteFormatNative}
	if err := store.CreateDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	notifier := router.NewNotifier(8)
	ing := NewIngestor(store, local, notifier, Options{
		PartitionDir:    filepath.Join(dir, "partitions"),
		TargetID:        target.ID,
		TimestampColumn: "ts",
		TableName:       "records",
	})

	return &testEnv{store: store, ingestor: ing, notifier: notifier, dataset: ds, root: root}
}

func record(ts time.Time, temp float64) types.Record {
	return types.Record{
		"ts":            types.Timestamp(ts),
		"temperature_c": types.Double(temp),
	}
}

func TestIngestBatchPublishesManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.notifier.Subscribe("test")
	defer env.notifier.Unsubscribe("test")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := env.ingestor.IngestBatch(ctx, env.dataset.ID, []types.Record{
		record(base, 16),
		record(base.Add(time.Minute), 17),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if m.Version != 1 || m.TotalRows != 2 || m.PartitionCount != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.SchemaVersionID == "" {
		t.Fatal("manifest missing inferred schema version")
	}

	sv, err := env.store.GetSchemaVersionByID(ctx, m.SchemaVersionID)
	if err != nil || sv == nil {
		t.Fatalf("inferred schema not registered: %v", err)
	}
	if sv.Fields[0].Name != "ts" || sv.Fields[0].Type != types.TypeTimestamp {
		t.Fatalf("timestamp column not first: %+v", sv.Fields)
	}

	latest, err := env.store.GetLatestPublishedManifest(ctx, env.dataset.ID)
	if err != nil {
		t.Fatal(err)
	}
	p := latest.Partitions[0]
	if p.StartTime != base.UnixMilli() || p.EndTime != base.Add(time.Minute).UnixMilli() {
		t.Fatalf("unexpected time bounds %d..%d", p.StartTime, p.EndTime)
	}

	// The uploaded partition file is a queryable SQLite database.
	eng, err := engine.NewFileEngine(ctx, filepath.Join(env.root, p.RelativePath))
	if err != nil {
		t.Fatalf("open uploaded partition: %v", err)
	}
	defer eng.Close()
	rows, err := eng.Query(ctx, "SELECT COUNT(*) FROM records")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var n int
	rows.Next()
	if err := rows.Scan(&n); err != nil || n != 2 {
		t.Fatalf("uploaded partition has %d rows (err %v)", n, err)
	}

	select {
	case ev := <-sub.Ch:
		if ev.DatasetID != env.dataset.ID || ev.Scope != router.ScopeDataset {
			t.Fatalf("unexpected invalidation %+v", ev)
		}
	default:
		t.Fatal("no invalidation published")
	}
}

func TestIngestBatchCarriesPreviousPartitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := env.ingestor.IngestBatch(ctx, env.dataset.ID, []types.Record{record(base, 16)}); err != nil {
		t.Fatal(err)
	}
	m2, err := env.ingestor.IngestBatch(ctx, env.dataset.ID, []types.Record{record(base.Add(time.Hour), 17)})
	if err != nil {
		t.Fatal(err)
	}

	if m2.Version != 2 {
		t.Fatalf("expected version 2, got %d", m2.Version)
	}
	if m2.PartitionCount != 2 || m2.TotalRows != 2 {
		t.Fatalf("previous partition dropped: %+v", m2)
	}

	// Second publish reuses the registered schema instead of re-inferring.
	manifests, err := env.store.ListPublishedManifestsWithPartitions(ctx, env.dataset.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected the old manifest superseded, got %d published", len(manifests))
	}
}

func TestIngestBatchRejectsEmptyAndUntimestamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.ingestor.IngestBatch(ctx, env.dataset.ID, nil); err == nil {
		t.Fatal("expected rejection of empty batch")
	}
	if _, err := env.ingestor.IngestBatch(ctx, env.dataset.ID, []types.Record{
		{"temperature_c": types.Double(16)},
	}); err == nil {
		t.Fatal("expected rejection of batch without timestamps")
	}
}

func TestFlushStagingFoldsSealedSegments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	buf, err := staging.NewBuffer(t.TempDir(), 0, "ts")
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := buf.Append(env.dataset.ID, []types.Record{record(base, 16), record(base.Add(time.Minute), 17)}); err != nil {
		t.Fatal(err)
	}
	if err := buf.Seal(); err != nil {
		t.Fatal(err)
	}
	// A hot row appended after sealing must not be folded.
	if _, err := buf.Append(env.dataset.ID, []types.Record{record(base.Add(time.Hour), 18)}); err != nil {
		t.Fatal(err)
	}

	m, err := env.ingestor.FlushStaging(ctx, buf, env.dataset.ID)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if m == nil || m.TotalRows != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}

	rows, err := buf.Scan(env.dataset.ID, 0, base.Add(2*time.Hour).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Source != staging.SourceHot {
		t.Fatalf("expected only the hot row to remain, got %+v", rows)
	}

	// Nothing sealed is pending anymore.
	again, err := env.ingestor.FlushStaging(ctx, buf, env.dataset.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("second flush published %+v", again)
	}
}
