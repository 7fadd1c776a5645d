package runtime

import (
	"context"
	"fmt"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/pkg/types"
)

// CatalogReader is the slice of the metadata catalog the runtime consumes.
type CatalogReader interface {
	ListDatasets(ctx context.Context, cursor, statusFilter string) (*catalog.DatasetPage, error)
	GetDatasetByID(ctx context.Context, id string) (*catalog.Dataset, error)
	GetDatasetBySlug(ctx context.Context, slug string) (*catalog.Dataset, error)
	ListPublishedManifestsWithPartitions(ctx context.Context, datasetID string) ([]*catalog.Manifest, error)
	GetSchemaVersionByID(ctx context.Context, id string) (*catalog.SchemaVersion, error)
	GetStorageTargetByID(ctx context.Context, id string) (*catalog.StorageTarget, error)
}

// loadColumns resolves the registered column schema for a dataset's manifest.
// A missing manifest, missing schema version, or empty field list degrades to
// no columns plus a warning; the dataset stays queryable through a
// synthesized any-type view.
func loadColumns(ctx context.Context, store CatalogReader, ds *catalog.Dataset, manifest *catalog.Manifest) ([]types.ColumnDef, []string) {
	var warnings []string

	if manifest == nil {
		return nil, []string{fmt.Sprintf("dataset %s has no published manifest, columns unavailable", ds.Slug)}
	}
	if manifest.SchemaVersionID == "" {
		return nil, []string{fmt.Sprintf("dataset %s manifest v%d has no schema version, columns unavailable", ds.Slug, manifest.Version)}
	}

	sv, err := store.GetSchemaVersionByID(ctx, manifest.SchemaVersionID)
	if err != nil {
		return nil, []string{fmt.Sprintf("dataset %s schema version lookup failed: %v", ds.Slug, err)}
	}
	if sv == nil {
		return nil, []string{fmt.Sprintf("dataset %s references missing schema version %s", ds.Slug, manifest.SchemaVersionID)}
	}
	if len(sv.Fields) == 0 {
		return nil, []string{fmt.Sprintf("dataset %s schema version %d has no fields", ds.Slug, sv.Version)}
	}

	columns := make([]types.ColumnDef, 0, len(sv.Fields))
	for _, f := range sv.Fields {
		if f.Name == "" {
			warnings = append(warnings, fmt.Sprintf("dataset %s schema version %d has an unnamed field, skipped", ds.Slug, sv.Version))
			continue
		}
		columns = append(columns, types.ColumnDef{
			Name:        f.Name,
			Type:        types.NormalizeColumnType(string(f.Type)),
			Nullable:    f.Nullable,
			Description: f.Description,
		})
	}
	return columns, warnings
}
