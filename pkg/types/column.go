// Package types provides core data types shared across Chronolake components.
package types

import "strings"

// ColumnType is the closed set of column types the query engine understands.
type ColumnType string

const (
	TypeTimestamp ColumnType = "timestamp"
	TypeDouble    ColumnType = "double"
	TypeBigint    ColumnType = "bigint"
	TypeBoolean   ColumnType = "boolean"
	TypeString    ColumnType = "string"
)

// ColumnDef describes a single registered dataset column.
type ColumnDef struct {
	// Name is the column name as stored in partition files.
	Name string `json:"name"`

	// Type is the normalized column type.
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column can contain NULL values.
	Nullable bool `json:"nullable"`

	// Description is free-form documentation shown in introspection.
	Description string `json:"description,omitempty"`
}

// NormalizeColumnType maps a raw schema type string into the closed type set.
// Unknown inputs default to string so datasets with exotic source types still
// remain queryable.
func NormalizeColumnType(raw string) ColumnType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "timestamp", "timestamptz", "datetime", "date", "time":
		return TypeTimestamp
	case "double", "float", "float32", "float64", "real", "numeric", "decimal":
		return TypeDouble
	case "integer", "int", "int32", "int64", "bigint", "long", "smallint":
		return TypeBigint
	case "boolean", "bool":
		return TypeBoolean
	case "string", "text", "varchar", "utf8":
		return TypeString
	default:
		return TypeString
	}
}

// SQLType returns the SQLite storage type used for this column in partition
// files and typed-empty views.
func (t ColumnType) SQLType() string {
	switch t {
	case TypeTimestamp, TypeBigint:
		return "INTEGER"
	case TypeDouble:
		return "REAL"
	case TypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
