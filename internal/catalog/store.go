// Package catalog manages dataset, manifest, partition, storage target and
// schema version metadata in catalog.db.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chronolake/chronolake/pkg/types"
)

// MetadataStore is the catalog interface the SQL runtime consumes, plus the
// write path used by ingestion.
type MetadataStore interface {
	// CreateDataset registers a new dataset.
	CreateDataset(ctx context.Context, ds *Dataset) error

	// GetDatasetByID retrieves a dataset by id. Returns nil when absent.
	GetDatasetByID(ctx context.Context, id string) (*Dataset, error)

	// GetDatasetBySlug retrieves a dataset by slug. Returns nil when absent.
	GetDatasetBySlug(ctx context.Context, slug string) (*Dataset, error)

	// ListDatasets returns one page of datasets ordered by slug.
	// An empty cursor starts from the beginning; an empty NextCursor means
	// the listing is drained. statusFilter of "" matches all statuses.
	ListDatasets(ctx context.Context, cursor, statusFilter string) (*DatasetPage, error)

	// TouchDataset bumps a dataset's updated_at marker.
	TouchDataset(ctx context.Context, id string) error

	// CreateStorageTarget registers a new storage target.
	CreateStorageTarget(ctx context.Context, target *StorageTarget) error

	// GetStorageTargetByID retrieves a storage target. Returns nil when absent.
	GetStorageTargetByID(ctx context.Context, id string) (*StorageTarget, error)

	// RegisterSchemaVersion stores a new schema version for a dataset,
	// assigning the next version number.
	RegisterSchemaVersion(ctx context.Context, datasetID string, fields []types.ColumnDef) (*SchemaVersion, error)

	// GetSchemaVersionByID retrieves a schema version. Returns nil when absent.
	GetSchemaVersionByID(ctx context.Context, id string) (*SchemaVersion, error)

	// PublishManifest creates the next published manifest for a dataset from
	// the given partition set, superseding the previous published manifest,
	// and bumps the dataset's updated_at.
	PublishManifest(ctx context.Context, datasetID, schemaVersionID string, partitions []*Partition) (*Manifest, error)

	// GetLatestPublishedManifest returns the newest published manifest with
	// its partitions, or nil when the dataset has none.
	GetLatestPublishedManifest(ctx context.Context, datasetID string) (*Manifest, error)

	// ListPublishedManifestsWithPartitions returns every published manifest
	// for a dataset (sharded datasets carry several), partitions populated,
	// ordered by version descending.
	ListPublishedManifestsWithPartitions(ctx context.Context, datasetID string) ([]*Manifest, error)

	// AnnotateManifest patches a manifest's summary for audit purposes
	// without changing partition membership.
	AnnotateManifest(ctx context.Context, manifestID, summary string) error

	// Close closes the catalog database connections.
	Close() error
}

// SQLiteStore implements MetadataStore using SQLite.
type SQLiteStore struct {
	db       *sql.DB // Write connection (single writer)
	readDB   *sql.DB // Read connection pool (concurrent readers)
	dbPath   string
	pageSize int
	mu       sync.Mutex // Write-only lock (reads don't need this)
}

// NewStore creates a new SQLite-backed metadata store.
func NewStore(dbPath string, pageSize int) (*SQLiteStore, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{
		db:       db,
		readDB:   readDB,
		dbPath:   dbPath,
		pageSize: pageSize,
	}

	if err := store.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateDataset registers a new dataset.
func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds.ID == "" {
		ds.ID = uuid.New().String()
	}
	if ds.Status == "" {
		ds.Status = DatasetStatusActive
	}
	if ds.UpdatedAt.IsZero() {
		ds.UpdatedAt = time.Now()
	}

	metaJSON, err := marshalStringMap(ds.Metadata)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal dataset metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, slug, display_name, status, write_format, default_storage_target_id, metadata_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.Slug, ds.DisplayName, ds.Status, ds.WriteFormat,
		nullableString(ds.DefaultStorageTargetID), metaJSON, ds.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to insert dataset %s: %w", ds.Slug, err)
	}
	return nil
}

// GetDatasetByID retrieves a dataset by id.
func (s *SQLiteStore) GetDatasetByID(ctx context.Context, id string) (*Dataset, error) {
	return s.getDataset(ctx, "id", id)
}

// GetDatasetBySlug retrieves a dataset by slug.
func (s *SQLiteStore) GetDatasetBySlug(ctx context.Context, slug string) (*Dataset, error) {
	return s.getDataset(ctx, "slug", slug)
}

func (s *SQLiteStore) getDataset(ctx context.Context, column, value string) (*Dataset, error) {
	row := s.readDB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, slug, display_name, status, write_format, default_storage_target_id, metadata_json, updated_at
		 FROM datasets WHERE %s = ?`, column), value)

	ds, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan dataset: %w", err)
	}
	return ds, nil
}

// ListDatasets returns one page of datasets ordered by slug.
func (s *SQLiteStore) ListDatasets(ctx context.Context, cursor, statusFilter string) (*DatasetPage, error) {
	query := `SELECT id, slug, display_name, status, write_format, default_storage_target_id, metadata_json, updated_at
		FROM datasets WHERE slug > ?`
	args := []interface{}{cursor}

	if statusFilter != "" {
		query += " AND status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY slug LIMIT ?"
	args = append(args, s.pageSize)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list datasets: %w", err)
	}
	defer rows.Close()

	page := &DatasetPage{}
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan dataset: %w", err)
		}
		page.Datasets = append(page.Datasets, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating datasets: %w", err)
	}

	if len(page.Datasets) == s.pageSize {
		page.NextCursor = page.Datasets[len(page.Datasets)-1].Slug
	}
	return page, nil
}

// TouchDataset bumps a dataset's updated_at marker.
func (s *SQLiteStore) TouchDataset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE datasets SET updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to touch dataset %s: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("catalog: dataset %s not found", id)
	}
	return nil
}

// CreateStorageTarget registers a new storage target.
func (s *SQLiteStore) CreateStorageTarget(ctx context.Context, target *StorageTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now()
	}

	configJSON, err := marshalStringMap(target.Config)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal target config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO storage_targets (id, name, kind, config_json, created_at) VALUES (?, ?, ?, ?, ?)",
		target.ID, target.Name, target.Kind, configJSON, target.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: failed to insert storage target %s: %w", target.Name, err)
	}
	return nil
}

// GetStorageTargetByID retrieves a storage target.
func (s *SQLiteStore) GetStorageTargetByID(ctx context.Context, id string) (*StorageTarget, error) {
	var target StorageTarget
	var configJSON string
	var createdAt int64

	err := s.readDB.QueryRowContext(ctx,
		"SELECT id, name, kind, config_json, created_at FROM storage_targets WHERE id = ?",
		id,
	).Scan(&target.ID, &target.Name, &target.Kind, &configJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan storage target: %w", err)
	}

	if err := json.Unmarshal([]byte(configJSON), &target.Config); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal target config: %w", err)
	}
	target.CreatedAt = time.UnixMilli(createdAt)
	return &target, nil
}

// GetStorageTargetByName retrieves a storage target by its unique name.
func (s *SQLiteStore) GetStorageTargetByName(ctx context.Context, name string) (*StorageTarget, error) {
	var target StorageTarget
	var configJSON string
	var createdAt int64

	err := s.readDB.QueryRowContext(ctx,
		"SELECT id, name, kind, config_json, created_at FROM storage_targets WHERE name = ?",
		name,
	).Scan(&target.ID, &target.Name, &target.Kind, &configJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan storage target: %w", err)
	}

	if err := json.Unmarshal([]byte(configJSON), &target.Config); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal target config: %w", err)
	}
	target.CreatedAt = time.UnixMilli(createdAt)
	return &target, nil
}

// RegisterSchemaVersion stores a new schema version for a dataset.
func (s *SQLiteStore) RegisterSchemaVersion(ctx context.Context, datasetID string, fields []types.ColumnDef) (*SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_versions WHERE dataset_id = ?",
		datasetID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get current schema version: %w", err)
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to marshal schema fields: %w", err)
	}

	sv := &SchemaVersion{
		ID:        uuid.New().String(),
		DatasetID: datasetID,
		Version:   current + 1,
		Fields:    fields,
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO schema_versions (id, dataset_id, version, fields_json, created_at) VALUES (?, ?, ?, ?, ?)",
		sv.ID, sv.DatasetID, sv.Version, string(fieldsJSON), sv.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert schema version %d: %w", sv.Version, err)
	}
	return sv, nil
}

// GetSchemaVersionByID retrieves a schema version.
func (s *SQLiteStore) GetSchemaVersionByID(ctx context.Context, id string) (*SchemaVersion, error) {
	var sv SchemaVersion
	var fieldsJSON string
	var createdAt int64

	err := s.readDB.QueryRowContext(ctx,
		"SELECT id, dataset_id, version, fields_json, created_at FROM schema_versions WHERE id = ?",
		id,
	).Scan(&sv.ID, &sv.DatasetID, &sv.Version, &fieldsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to scan schema version: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &sv.Fields); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal schema fields: %w", err)
	}
	sv.CreatedAt = time.UnixMilli(createdAt)
	return &sv, nil
}

// PublishManifest creates the next published manifest for a dataset.
func (s *SQLiteStore) PublishManifest(ctx context.Context, datasetID, schemaVersionID string, partitions []*Partition) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM manifests WHERE dataset_id = ?",
		datasetID,
	).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get current manifest version: %w", err)
	}

	// Supersede the previous published manifest; older manifests are retained
	// for audit but no longer queried.
	if _, err := tx.ExecContext(ctx,
		"UPDATE manifests SET status = ?, updated_at = ? WHERE dataset_id = ? AND status = ?",
		ManifestStatusSuperseded, time.Now().UnixMilli(), datasetID, ManifestStatusPublished,
	); err != nil {
		return nil, fmt.Errorf("catalog: failed to supersede manifests: %w", err)
	}

	now := time.Now()
	manifest := &Manifest{
		ID:              uuid.New().String(),
		DatasetID:       datasetID,
		Version:         currentVersion + 1,
		Status:          ManifestStatusPublished,
		SchemaVersionID: schemaVersionID,
		PartitionCount:  int64(len(partitions)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, p := range partitions {
		manifest.TotalRows += p.RowCount
		manifest.TotalBytes += p.SizeBytes
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO manifests (id, dataset_id, version, status, schema_version_id, partition_count, total_rows, total_bytes, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		manifest.ID, manifest.DatasetID, manifest.Version, manifest.Status,
		nullableString(manifest.SchemaVersionID), manifest.PartitionCount,
		manifest.TotalRows, manifest.TotalBytes,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert manifest: %w", err)
	}

	for _, p := range partitions {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.ManifestID = manifest.ID
		if p.StartTime > p.EndTime {
			return nil, fmt.Errorf("catalog: partition %s has start_time after end_time", p.ID)
		}

		keyJSON, err := marshalStringMap(p.PartitionKey)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to marshal partition key: %w", err)
		}
		metaJSON, err := marshalStringMap(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to marshal partition metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO partitions (id, manifest_id, storage_target_id, file_format, relative_path, partition_key_json, start_time, end_time, size_bytes, row_count, checksum, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ManifestID, p.StorageTargetID, p.FileFormat, p.RelativePath,
			keyJSON, p.StartTime, p.EndTime, p.SizeBytes, p.RowCount, p.Checksum, metaJSON)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to insert partition %s: %w", p.ID, err)
		}
	}

	// Bump the dataset freshness marker so context signatures change.
	if _, err := tx.ExecContext(ctx,
		"UPDATE datasets SET updated_at = ? WHERE id = ?",
		now.UnixMilli(), datasetID,
	); err != nil {
		return nil, fmt.Errorf("catalog: failed to touch dataset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit manifest: %w", err)
	}

	manifest.Partitions = partitions
	return manifest, nil
}

// GetLatestPublishedManifest returns the newest published manifest.
func (s *SQLiteStore) GetLatestPublishedManifest(ctx context.Context, datasetID string) (*Manifest, error) {
	manifests, err := s.ListPublishedManifestsWithPartitions(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	return manifests[0], nil
}

// ListPublishedManifestsWithPartitions returns published manifests ordered by
// version descending, partitions populated.
func (s *SQLiteStore) ListPublishedManifestsWithPartitions(ctx context.Context, datasetID string) ([]*Manifest, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, dataset_id, version, status, schema_version_id, partition_count, total_rows, total_bytes, summary, created_at, updated_at
		 FROM manifests WHERE dataset_id = ? AND status = ? ORDER BY version DESC`,
		datasetID, ManifestStatusPublished)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*Manifest
	for rows.Next() {
		var m Manifest
		var schemaVersionID sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(&m.ID, &m.DatasetID, &m.Version, &m.Status, &schemaVersionID,
			&m.PartitionCount, &m.TotalRows, &m.TotalBytes, &m.Summary, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan manifest: %w", err)
		}
		m.SchemaVersionID = schemaVersionID.String
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)
		manifests = append(manifests, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating manifests: %w", err)
	}

	for _, m := range manifests {
		partitions, err := s.listPartitions(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Partitions = partitions
	}
	return manifests, nil
}

// listPartitions loads all partitions belonging to a manifest.
func (s *SQLiteStore) listPartitions(ctx context.Context, manifestID string) ([]*Partition, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, manifest_id, storage_target_id, file_format, relative_path, partition_key_json, start_time, end_time, size_bytes, row_count, checksum, metadata_json
		 FROM partitions WHERE manifest_id = ?`,
		manifestID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query partitions: %w", err)
	}
	defer rows.Close()

	var partitions []*Partition
	for rows.Next() {
		var p Partition
		var keyJSON, metaJSON string

		err := rows.Scan(&p.ID, &p.ManifestID, &p.StorageTargetID, &p.FileFormat,
			&p.RelativePath, &keyJSON, &p.StartTime, &p.EndTime,
			&p.SizeBytes, &p.RowCount, &p.Checksum, &metaJSON)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan partition: %w", err)
		}
		if err := json.Unmarshal([]byte(keyJSON), &p.PartitionKey); err != nil {
			return nil, fmt.Errorf("catalog: failed to unmarshal partition key: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("catalog: failed to unmarshal partition metadata: %w", err)
		}
		partitions = append(partitions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating partitions: %w", err)
	}

	// Stable order for signature computation downstream.
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].ID < partitions[j].ID })
	return partitions, nil
}

// AnnotateManifest patches a manifest's summary for audit purposes.
func (s *SQLiteStore) AnnotateManifest(ctx context.Context, manifestID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE manifests SET summary = ?, updated_at = ? WHERE id = ?",
		summary, time.Now().UnixMilli(), manifestID)
	if err != nil {
		return fmt.Errorf("catalog: failed to annotate manifest %s: %w", manifestID, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("catalog: manifest %s not found", manifestID)
	}
	return nil
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics.
func (s *SQLiteStore) RunAnalyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, AnalyzeSQL)
	if err != nil {
		return fmt.Errorf("catalog: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (s *SQLiteStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDataset(row scanner) (*Dataset, error) {
	var ds Dataset
	var defaultTarget sql.NullString
	var metaJSON string
	var updatedAt int64

	err := row.Scan(&ds.ID, &ds.Slug, &ds.DisplayName, &ds.Status, &ds.WriteFormat,
		&defaultTarget, &metaJSON, &updatedAt)
	if err != nil {
		return nil, err
	}
	ds.DefaultStorageTargetID = defaultTarget.String
	if err := json.Unmarshal([]byte(metaJSON), &ds.Metadata); err != nil {
		return nil, err
	}
	ds.UpdatedAt = time.UnixMilli(updatedAt)
	return &ds, nil
}

func marshalStringMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
