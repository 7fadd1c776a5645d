package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/pkg/types"
)

// DatasetContext is the per-dataset materialized view the query engine
// consumes: resolved columns, execution-ready partitions, a collision-safe
// view name, and a content signature for change detection.
type DatasetContext struct {
	Dataset       *catalog.Dataset
	Manifests     []*catalog.Manifest
	Columns       []types.ColumnDef
	PartitionKeys []string
	Partitions    []*PartitionExecContext
	ViewName      string
	Signature     string
	UpdatedAt     time.Time
	TotalRows     int64
	TotalBytes    int64
	Warnings      []string
	BuiltAt       time.Time
	BuildReason   string
}

// contextBuilder assembles DatasetContexts from the catalog.
type contextBuilder struct {
	store         CatalogReader
	fallbackTable string
}

// build composes one dataset's runtime state. Sharded datasets carry several
// published manifests: their partitions and totals are unioned, the maximum
// updatedAt wins as the freshness marker, and columns come from the
// newest-version manifest's schema. That last choice assumes shards share a
// schema; see TestBuild_ShardedManifestsUseNewestSchema.
func (b *contextBuilder) build(ctx context.Context, ds *catalog.Dataset, targets *targetCache, reason string) (*DatasetContext, error) {
	manifests, err := b.store.ListPublishedManifestsWithPartitions(ctx, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to list manifests for %s: %w", ds.Slug, err)
	}

	dc := &DatasetContext{
		Dataset:     ds,
		Manifests:   manifests,
		UpdatedAt:   ds.UpdatedAt,
		BuiltAt:     time.Now(),
		BuildReason: reason,
	}

	viewName, changed := sanitizeViewName(ds.Slug)
	dc.ViewName = viewName
	if changed {
		dc.Warnings = append(dc.Warnings, fmt.Sprintf("dataset %s is exposed as view %q", ds.Slug, viewName))
	}

	// Newest manifest first; ListPublishedManifestsWithPartitions orders by
	// version descending already, but multiple shards may interleave.
	sort.Slice(dc.Manifests, func(i, j int) bool { return dc.Manifests[i].Version > dc.Manifests[j].Version })

	var raw []*catalog.Partition
	keySet := make(map[string]struct{})
	for _, m := range dc.Manifests {
		if m.UpdatedAt.After(dc.UpdatedAt) {
			dc.UpdatedAt = m.UpdatedAt
		}
		dc.TotalRows += m.TotalRows
		dc.TotalBytes += m.TotalBytes
		raw = append(raw, m.Partitions...)
		for _, p := range m.Partitions {
			for k := range p.PartitionKey {
				keySet[k] = struct{}{}
			}
		}
	}

	var first *catalog.Manifest
	if len(dc.Manifests) > 0 {
		first = dc.Manifests[0]
	}
	columns, warns := loadColumns(ctx, b.store, ds, first)
	dc.Columns = columns
	dc.Warnings = append(dc.Warnings, warns...)

	dc.Partitions = mapPartitions(ctx, raw, targets, b.fallbackTable, &dc.Warnings)

	for k := range keySet {
		dc.PartitionKeys = append(dc.PartitionKeys, k)
	}
	sort.Strings(dc.PartitionKeys)

	ids := make([]string, 0, len(dc.Partitions))
	for _, p := range dc.Partitions {
		ids = append(ids, p.Partition.ID)
	}
	dc.Signature = datasetSignature(ds, dc.Manifests, ids)

	return dc, nil
}

// Column returns the dataset's column definition by name.
func (dc *DatasetContext) Column(name string) (types.ColumnDef, bool) {
	for _, c := range dc.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return types.ColumnDef{}, false
}
