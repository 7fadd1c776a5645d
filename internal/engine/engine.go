// Package engine wraps the embedded analytical execution engine behind a
// minimal interface so the runtime is not coupled to one driver's handles.
package engine

import (
	"context"
	"database/sql"
)

// Engine is one live analytical engine instance. Shared schema setup runs
// through Exec on the pinned connection; queries run through per-caller
// Sessions, which replay per-connection state (attachments, temp views)
// before use.
type Engine interface {
	// Exec runs a statement on the engine's pinned connection.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Query runs a query on the engine's pinned connection.
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

	// Session returns a logical connection for one query. Sessions from the
	// same engine share schema but not temp objects or attachments.
	Session(ctx context.Context) (Session, error)

	// Close tears the engine down. Idempotent.
	Close() error
}

// Session is one logical connection leased for a single query execution.
type Session interface {
	// Exec runs a statement on this session's connection.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Query runs a query on this session's connection.
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

	// EnsureAttached attaches the database at path under alias if this
	// connection does not already have it. Attachments are per-connection,
	// so every session re-checks before use.
	EnsureAttached(ctx context.Context, alias, path string) error

	// Close returns the connection to the engine. Callers must drop temp
	// objects they created first; connections are reused.
	Close() error
}
