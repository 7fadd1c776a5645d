package catalog

// DDL for the catalog database. Times are stored as Unix milliseconds,
// structured attributes as JSON text.

const datasetsSchemaSQL = `
CREATE TABLE IF NOT EXISTS datasets (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	status TEXT NOT NULL,
	write_format TEXT NOT NULL,
	default_storage_target_id TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
)`

const datasetsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_datasets_status_slug ON datasets(status, slug)`

const manifestsSchemaSQL = `
CREATE TABLE IF NOT EXISTS manifests (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	schema_version_id TEXT,
	partition_count INTEGER NOT NULL,
	total_rows INTEGER NOT NULL,
	total_bytes INTEGER NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(dataset_id, version)
)`

const manifestsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_manifests_dataset_status ON manifests(dataset_id, status, version)`

const partitionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS partitions (
	id TEXT NOT NULL,
	manifest_id TEXT NOT NULL,
	storage_target_id TEXT NOT NULL,
	file_format TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	partition_key_json TEXT NOT NULL DEFAULT '{}',
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	row_count INTEGER NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (manifest_id, id)
)`

const partitionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_partitions_manifest ON partitions(manifest_id)`

const storageTargetsSchemaSQL = `
CREATE TABLE IF NOT EXISTS storage_targets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
)`

const schemaVersionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	fields_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(dataset_id, version)
)`

// AnalyzeSQL refreshes query planner statistics after bulk writes.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all schema statements in creation order.
func AllSchemaSQL() []string {
	return []string{
		datasetsSchemaSQL,
		datasetsIndexSQL,
		manifestsSchemaSQL,
		manifestsIndexSQL,
		partitionsSchemaSQL,
		partitionsIndexSQL,
		storageTargetsSchemaSQL,
		schemaVersionsSchemaSQL,
	}
}
