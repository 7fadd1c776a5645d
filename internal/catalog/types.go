package catalog

import (
	"time"

	"github.com/chronolake/chronolake/pkg/types"
)

// Dataset statuses.
const (
	DatasetStatusActive  = "active"
	DatasetStatusRetired = "retired"
)

// WriteFormatNative is the engine-native partition file format. Datasets
// written in any other format are skipped by SQL federation with a warning.
const WriteFormatNative = "sqlite"

// Manifest statuses.
const (
	ManifestStatusPublished  = "published"
	ManifestStatusSuperseded = "superseded"
)

// MetadataKeyExecutionBackend is the dataset metadata key naming an
// execution-backend override.
const MetadataKeyExecutionBackend = "execution_backend"

// MetadataKeyTableName is the partition metadata key naming the table inside
// the physical partition file.
const MetadataKeyTableName = "table_name"

// Dataset is a named, sluggable unit of time-series data.
type Dataset struct {
	ID                     string
	Slug                   string
	DisplayName            string
	Status                 string
	WriteFormat            string
	DefaultStorageTargetID string
	Metadata               map[string]string
	UpdatedAt              time.Time
}

// Manifest is an immutable, versioned snapshot of a dataset's partition set.
type Manifest struct {
	ID              string
	DatasetID       string
	Version         int64
	Status          string
	SchemaVersionID string
	PartitionCount  int64
	TotalRows       int64
	TotalBytes      int64
	Summary         string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Partitions is populated by ListPublishedManifestsWithPartitions and
	// GetLatestPublishedManifest.
	Partitions []*Partition
}

// Partition is an immutable physical slice of a manifest.
type Partition struct {
	ID              string
	ManifestID      string
	StorageTargetID string
	FileFormat      string
	RelativePath    string
	PartitionKey    map[string]string
	StartTime       int64 // Unix milliseconds, inclusive
	EndTime         int64 // Unix milliseconds, inclusive
	SizeBytes       int64
	RowCount        int64
	Checksum        string
	Metadata        map[string]string
}

// TableName returns the table name inside the partition file, or fallback
// when the metadata carries none.
func (p *Partition) TableName(fallback string) string {
	if p.Metadata != nil {
		if name, ok := p.Metadata[MetadataKeyTableName]; ok && name != "" {
			return name
		}
	}
	return fallback
}

// Storage target kinds.
const (
	TargetKindLocal = "local"
	TargetKindS3    = "s3"
	TargetKindGCS   = "gcs"
	TargetKindAzure = "azure"
)

// StorageTarget is a named backend partitions physically live on.
// Immutable once referenced by a partition.
type StorageTarget struct {
	ID        string
	Name      string
	Kind      string
	Config    map[string]string
	CreatedAt time.Time
}

// SchemaVersion is a registered column schema for a dataset.
type SchemaVersion struct {
	ID        string
	DatasetID string
	Version   int64
	Fields    []types.ColumnDef
	CreatedAt time.Time
}

// DatasetPage is one page of a dataset listing.
type DatasetPage struct {
	Datasets   []*Dataset
	NextCursor string
}
