// Package ingest builds partition files from records and publishes them as
// catalog manifests.
package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronolake/chronolake/internal/catalog"
	"github.com/chronolake/chronolake/internal/engine"
	"github.com/chronolake/chronolake/internal/router"
	"github.com/chronolake/chronolake/internal/staging"
	"github.com/chronolake/chronolake/internal/storage"
	"github.com/chronolake/chronolake/pkg/types"
)

// Catalog is the slice of the metadata store ingestion writes through.
type Catalog interface {
	GetDatasetByID(ctx context.Context, id string) (*catalog.Dataset, error)
	GetSchemaVersionByID(ctx context.Context, id string) (*catalog.SchemaVersion, error)
	GetLatestPublishedManifest(ctx context.Context, datasetID string) (*catalog.Manifest, error)
	ListPublishedManifestsWithPartitions(ctx context.Context, datasetID string) ([]*catalog.Manifest, error)
	RegisterSchemaVersion(ctx context.Context, datasetID string, fields []types.ColumnDef) (*catalog.SchemaVersion, error)
	PublishManifest(ctx context.Context, datasetID, schemaVersionID string, partitions []*catalog.Partition) (*catalog.Manifest, error)
}

// Options configures an Ingestor.
type Options struct {
	// PartitionDir is the scratch directory partition files are built in
	// before upload.
	PartitionDir string

	// TargetID is the storage target new partitions are written to.
	TargetID string

	// TimestampColumn names the record field carrying the row timestamp.
	TimestampColumn string

	// TableName is the table created inside partition files.
	TableName string
}

// Ingestor builds SQLite partition files from records, uploads them through
// the storage driver, and publishes manifests.
type Ingestor struct {
	store    Catalog
	objects  storage.ObjectStorage
	notifier *router.Notifier
	opts     Options
}

// NewIngestor creates an ingestor. notifier may be nil when no invalidation
// bus is wired.
func NewIngestor(store Catalog, objects storage.ObjectStorage, notifier *router.Notifier, opts Options) *Ingestor {
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = "timestamp"
	}
	if opts.TableName == "" {
		opts.TableName = "records"
	}
	return &Ingestor{store: store, objects: objects, notifier: notifier, opts: opts}
}

// PartitionStats describes one built partition file.
type PartitionStats struct {
	Path      string
	StartTime int64
	EndTime   int64
	RowCount  int64
	SizeBytes int64
}

// IngestBatch builds one partition from the records, uploads it, and
// publishes a manifest carrying the dataset's full partition set (previous
// published partitions plus the new one). Returns the published manifest.
func (ing *Ingestor) IngestBatch(ctx context.Context, datasetID string, records []types.Record) (*catalog.Manifest, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("ingest: no records to ingest")
	}

	ds, err := ing.store.GetDatasetByID(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to load dataset %s: %w", datasetID, err)
	}
	if ds == nil {
		return nil, fmt.Errorf("ingest: dataset %s not found", datasetID)
	}

	schema, err := ing.resolveSchema(ctx, ds, records)
	if err != nil {
		return nil, err
	}

	partitionID := uuid.New().String()
	relPath := partitionPath(ds.Slug, partitionID)
	localPath := filepath.Join(ing.opts.PartitionDir, partitionID+".db")

	stats, err := ing.buildPartitionFile(ctx, localPath, schema.Fields, records)
	if err != nil {
		return nil, err
	}
	defer os.Remove(localPath)

	if err := ing.objects.Upload(ctx, localPath, relPath); err != nil {
		return nil, fmt.Errorf("ingest: failed to upload partition %s: %w", partitionID, err)
	}

	newPartition := &catalog.Partition{
		ID:              partitionID,
		StorageTargetID: ing.opts.TargetID,
		FileFormat:      catalog.WriteFormatNative,
		RelativePath:    relPath,
		StartTime:       stats.StartTime,
		EndTime:         stats.EndTime,
		RowCount:        stats.RowCount,
		SizeBytes:       stats.SizeBytes,
		Metadata:        map[string]string{catalog.MetadataKeyTableName: ing.opts.TableName},
	}

	partitions, err := ing.carriedPartitions(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	partitions = append(partitions, newPartition)

	manifest, err := ing.store.PublishManifest(ctx, datasetID, schema.ID, partitions)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to publish manifest: %w", err)
	}

	if ing.notifier != nil {
		ing.notifier.PublishDataset(datasetID, fmt.Sprintf("manifest v%d published", manifest.Version))
	}
	log.Printf("ingest: published manifest v%d for %s (%d rows, %d partitions)",
		manifest.Version, ds.Slug, manifest.TotalRows, manifest.PartitionCount)
	return manifest, nil
}

// resolveSchema returns the dataset's registered schema, inferring and
// registering one from the batch when the dataset has none yet.
func (ing *Ingestor) resolveSchema(ctx context.Context, ds *catalog.Dataset, records []types.Record) (*catalog.SchemaVersion, error) {
	latest, err := ing.store.GetLatestPublishedManifest(ctx, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to load latest manifest: %w", err)
	}
	if latest != nil && latest.SchemaVersionID != "" {
		sv, err := ing.store.GetSchemaVersionByID(ctx, latest.SchemaVersionID)
		if err != nil {
			return nil, fmt.Errorf("ingest: failed to load schema version: %w", err)
		}
		if sv != nil {
			return sv, nil
		}
	}

	fields := inferColumns(records, ing.opts.TimestampColumn)
	sv, err := ing.store.RegisterSchemaVersion(ctx, ds.ID, fields)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to register inferred schema: %w", err)
	}
	return sv, nil
}

// carriedPartitions collects the partitions of the current published
// manifests so a new publish does not drop existing data.
func (ing *Ingestor) carriedPartitions(ctx context.Context, datasetID string) ([]*catalog.Partition, error) {
	manifests, err := ing.store.ListPublishedManifestsWithPartitions(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to list published manifests: %w", err)
	}
	var out []*catalog.Partition
	for _, m := range manifests {
		out = append(out, m.Partitions...)
	}
	return out, nil
}

// buildPartitionFile writes the records into a fresh SQLite file with typed
// columns from the schema.
func (ing *Ingestor) buildPartitionFile(ctx context.Context, path string, fields []types.ColumnDef, records []types.Record) (*PartitionStats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ingest: failed to create partition directory: %w", err)
	}

	eng, err := engine.NewFileEngine(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create partition file: %w", err)
	}
	defer eng.Close()

	defs := make([]string, len(fields))
	names := make([]string, len(fields))
	placeholders := make([]string, len(fields))
	for i, f := range fields {
		defs[i] = fmt.Sprintf("%q %s", f.Name, f.Type.SQLType())
		names[i] = fmt.Sprintf("%q", f.Name)
		placeholders[i] = "?"
	}
	create := fmt.Sprintf("CREATE TABLE %q (%s)", ing.opts.TableName, strings.Join(defs, ", "))
	if err := eng.Exec(ctx, create); err != nil {
		return nil, fmt.Errorf("ingest: failed to create partition table: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		ing.opts.TableName, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	stats := &PartitionStats{Path: path}
	first := true
	for _, rec := range records {
		ts, ok := recordTimestampMs(rec, ing.opts.TimestampColumn)
		if !ok {
			log.Printf("[WARN] ingest: record without %s timestamp skipped", ing.opts.TimestampColumn)
			continue
		}
		if first || ts < stats.StartTime {
			stats.StartTime = ts
		}
		if first || ts > stats.EndTime {
			stats.EndTime = ts
		}
		first = false

		args := make([]interface{}, len(fields))
		for i, f := range fields {
			if v, ok := rec[f.Name]; ok {
				args[i] = v.Bind()
			}
		}
		if err := eng.Exec(ctx, insert, args...); err != nil {
			return nil, fmt.Errorf("ingest: failed to insert record: %w", err)
		}
		stats.RowCount++
	}
	if stats.RowCount == 0 {
		return nil, fmt.Errorf("ingest: no record carried a usable timestamp")
	}

	if err := eng.Close(); err != nil {
		return nil, fmt.Errorf("ingest: failed to finalize partition file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to stat partition file: %w", err)
	}
	stats.SizeBytes = info.Size()
	return stats, nil
}

// FlushStaging folds the dataset's sealed staging segments into a published
// partition. Returns the published manifest, or nil when nothing was
// pending.
func (ing *Ingestor) FlushStaging(ctx context.Context, buf *staging.Buffer, datasetID string) (*catalog.Manifest, error) {
	watermark := buf.PendingSeq(datasetID)
	if watermark == 0 {
		return nil, nil
	}

	staged, err := buf.Scan(datasetID, 0, time.Now().Add(24*time.Hour).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to scan staging buffer: %w", err)
	}

	var records []types.Record
	for _, r := range staged {
		if r.Source == staging.SourceStaged && r.Seq <= watermark {
			records = append(records, r.Record)
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	manifest, err := ing.IngestBatch(ctx, datasetID, records)
	if err != nil {
		return nil, err
	}

	// Only after the manifest is durable may the staged rows be dropped.
	if err := buf.MarkFolded(datasetID, watermark); err != nil {
		return nil, fmt.Errorf("ingest: manifest v%d published but staging fold failed: %w", manifest.Version, err)
	}
	return manifest, nil
}

func inferColumns(records []types.Record, tsColumn string) []types.ColumnDef {
	kinds := make(map[string]types.ColumnType)
	for _, rec := range records {
		for name, v := range rec {
			if _, ok := kinds[name]; ok {
				continue
			}
			switch v.Kind {
			case types.KindTimestamp:
				kinds[name] = types.TypeTimestamp
			case types.KindDouble:
				kinds[name] = types.TypeDouble
			case types.KindBigint:
				kinds[name] = types.TypeBigint
			case types.KindBool:
				kinds[name] = types.TypeBoolean
			case types.KindNull:
				continue
			default:
				kinds[name] = types.TypeString
			}
		}
	}
	kinds[tsColumn] = types.TypeTimestamp

	// Timestamp column first, the rest in name order.
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		if name != tsColumn {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	cols := []types.ColumnDef{{Name: tsColumn, Type: types.TypeTimestamp}}
	for _, name := range names {
		cols = append(cols, types.ColumnDef{Name: name, Type: kinds[name], Nullable: true})
	}
	return cols
}

func recordTimestampMs(rec types.Record, tsColumn string) (int64, bool) {
	v, ok := rec[tsColumn]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case types.KindTimestamp:
		return v.Time.UnixMilli(), true
	case types.KindBigint:
		return v.Int, true
	default:
		return 0, false
	}
}

// partitionPath is the object key layout: slug/yyyy/mm/id.db.
func partitionPath(slug, partitionID string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.db", slug, now.Year(), int(now.Month()), partitionID)
}
