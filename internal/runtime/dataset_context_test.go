package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/pkg/types"
)

func localTarget(id, root string) *catalog.StorageTarget {
	return &catalog.StorageTarget{
		ID:     id,
		Name:   id,
		Kind:   catalog.TargetKindLocal,
		Config: map[string]string{"root": root},
	}
}

func nativePartition(id, manifestID, targetID, relPath string, start, end int64) *catalog.Partition {
	return &catalog.Partition{
		ID:              id,
		ManifestID:      manifestID,
		StorageTargetID: targetID,
		FileFormat:      catalog.WriteFormatNative,
		RelativePath:    relPath,
		StartTime:       start,
		EndTime:         end,
		RowCount:        10,
		SizeBytes:       1024,
	}
}

func TestBuild_ShardedManifestsUseNewestSchema(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha")
	fc.targets["t-1"] = localTarget("t-1", "/data")

	fc.schemas["sv-1"] = &catalog.SchemaVersion{
		ID: "sv-1", DatasetID: ds.ID, Version: 1,
		Fields: []types.ColumnDef{{Name: "ts", Type: types.TypeTimestamp}},
	}
	fc.schemas["sv-2"] = &catalog.SchemaVersion{
		ID: "sv-2", DatasetID: ds.ID, Version: 2,
		Fields: []types.ColumnDef{
			{Name: "ts", Type: types.TypeTimestamp},
			{Name: "value", Type: types.TypeDouble},
		},
	}

	older := &catalog.Manifest{
		ID: "m-1", DatasetID: ds.ID, Version: 1,
		Status: catalog.ManifestStatusPublished, SchemaVersionID: "sv-1",
		TotalRows: 10, TotalBytes: 1024,
		UpdatedAt:  ds.UpdatedAt,
		Partitions: []*catalog.Partition{nativePartition("p-1", "m-1", "t-1", "p1.db", 1000, 2000)},
	}
	newer := &catalog.Manifest{
		ID: "m-2", DatasetID: ds.ID, Version: 2,
		Status: catalog.ManifestStatusPublished, SchemaVersionID: "sv-2",
		TotalRows: 20, TotalBytes: 2048,
		UpdatedAt:  ds.UpdatedAt.Add(time.Minute),
		Partitions: []*catalog.Partition{nativePartition("p-2", "m-2", "t-1", "p2.db", 2000, 3000)},
	}
	// Stored oldest-first to prove build orders by version itself.
	fc.manifests[ds.ID] = []*catalog.Manifest{older, newer}

	b := &contextBuilder{store: fc, fallbackTable: "records"}
	dc, err := b.build(context.Background(), ds, newTargetCache(fc), "test")
	if err != nil {
		t.Fatal(err)
	}

	if len(dc.Columns) != 2 {
		t.Fatalf("expected newest manifest's 2 columns, got %d", len(dc.Columns))
	}
	if _, ok := dc.Column("value"); !ok {
		t.Fatal("column from newest schema missing")
	}
	if dc.TotalRows != 30 || dc.TotalBytes != 3072 {
		t.Fatalf("shard totals not summed: rows=%d bytes=%d", dc.TotalRows, dc.TotalBytes)
	}
	if len(dc.Partitions) != 2 {
		t.Fatalf("expected partitions from both shards, got %d", len(dc.Partitions))
	}
	if !dc.UpdatedAt.Equal(newer.UpdatedAt) {
		t.Fatalf("freshness marker should be the max manifest updated_at, got %v", dc.UpdatedAt)
	}
}

func TestBuildPartialFailureContainment(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha")
	fc.targets["t-good"] = localTarget("t-good", "/data")

	m := &catalog.Manifest{
		ID: "m-1", DatasetID: ds.ID, Version: 1,
		Status:    catalog.ManifestStatusPublished,
		UpdatedAt: ds.UpdatedAt,
		Partitions: []*catalog.Partition{
			nativePartition("p-1", "m-1", "t-good", "p1.db", 1000, 2000),
			nativePartition("p-2", "m-1", "t-missing", "p2.db", 2000, 3000),
			nativePartition("p-3", "m-1", "t-good", "p3.db", 3000, 4000),
		},
	}
	fc.manifests[ds.ID] = []*catalog.Manifest{m}

	b := &contextBuilder{store: fc, fallbackTable: "records"}
	dc, err := b.build(context.Background(), ds, newTargetCache(fc), "test")
	if err != nil {
		t.Fatalf("one bad partition must not fail the build: %v", err)
	}

	if len(dc.Partitions) != 2 {
		t.Fatalf("expected 2 mapped partitions, got %d", len(dc.Partitions))
	}
	for _, p := range dc.Partitions {
		if p.Partition.ID == "p-2" {
			t.Fatal("partition with missing target was mapped")
		}
	}

	found := false
	for _, w := range dc.Warnings {
		if containsAll(w, "p-2", "t-missing") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning naming the skipped partition, got %v", dc.Warnings)
	}
}

func TestBuildSkipsNonNativePartitions(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha")
	fc.targets["t-1"] = localTarget("t-1", "/data")

	parquet := nativePartition("p-2", "m-1", "t-1", "p2.parquet", 2000, 3000)
	parquet.FileFormat = "parquet"
	m := &catalog.Manifest{
		ID: "m-1", DatasetID: ds.ID, Version: 1,
		Status:    catalog.ManifestStatusPublished,
		UpdatedAt: ds.UpdatedAt,
		Partitions: []*catalog.Partition{
			nativePartition("p-1", "m-1", "t-1", "p1.db", 1000, 2000),
			parquet,
		},
	}
	fc.manifests[ds.ID] = []*catalog.Manifest{m}

	b := &contextBuilder{store: fc, fallbackTable: "records"}
	dc, err := b.build(context.Background(), ds, newTargetCache(fc), "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(dc.Partitions) != 1 || dc.Partitions[0].Partition.ID != "p-1" {
		t.Fatalf("expected only the native partition, got %d", len(dc.Partitions))
	}
}

func TestBuildCollectsPartitionKeys(t *testing.T) {
	fc := newFakeCatalog()
	ds := fc.addDataset("ds-a", "alpha")
	fc.targets["t-1"] = localTarget("t-1", "/data")

	p1 := nativePartition("p-1", "m-1", "t-1", "p1.db", 1000, 2000)
	p1.PartitionKey = map[string]string{"region": "us", "device": "d1"}
	p2 := nativePartition("p-2", "m-1", "t-1", "p2.db", 2000, 3000)
	p2.PartitionKey = map[string]string{"region": "eu"}
	fc.manifests[ds.ID] = []*catalog.Manifest{{
		ID: "m-1", DatasetID: ds.ID, Version: 1,
		Status:     catalog.ManifestStatusPublished,
		UpdatedAt:  ds.UpdatedAt,
		Partitions: []*catalog.Partition{p1, p2},
	}}

	b := &contextBuilder{store: fc, fallbackTable: "records"}
	dc, err := b.build(context.Background(), ds, newTargetCache(fc), "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(dc.PartitionKeys) != 2 || dc.PartitionKeys[0] != "device" || dc.PartitionKeys[1] != "region" {
		t.Fatalf("unexpected partition keys %v", dc.PartitionKeys)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
