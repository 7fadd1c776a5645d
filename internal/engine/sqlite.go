package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	lakeerrors "github.com/chronolake/chronolake/internal/errors"
)

// DriverName is the sqlite3 driver variant carrying Chronolake's SQL
// extensions. Registered once at package load.
const DriverName = "chronolake-sqlite3"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterAggregator("percentile", newPercentileAgg, true)
		},
	})
}

// percentileAgg implements percentile(value, fraction) as an exact
// lower-interpolation percentile: sorted[floor(p * (n-1))].
type percentileAgg struct {
	vals []float64
	frac float64
}

func newPercentileAgg() *percentileAgg {
	return &percentileAgg{frac: -1}
}

func (a *percentileAgg) Step(v interface{}, frac float64) {
	a.frac = frac
	switch x := v.(type) {
	case int64:
		a.vals = append(a.vals, float64(x))
	case float64:
		a.vals = append(a.vals, x)
	}
	// NULLs and non-numeric values are ignored, matching avg/sum.
}

func (a *percentileAgg) Done() float64 {
	if len(a.vals) == 0 || a.frac < 0 || a.frac > 1 {
		return 0
	}
	sort.Float64s(a.vals)
	idx := int(a.frac * float64(len(a.vals)-1))
	return a.vals[idx]
}

// SQLiteEngine is one shared in-memory (or file-backed) SQLite instance.
// A pinned connection keeps shared-cache memory databases alive and carries
// all build-time DDL; sessions come from the pool.
type SQLiteEngine struct {
	db   *sql.DB
	pin  *sql.Conn
	dsn  string
	mu   sync.Mutex
	done bool
}

// NewMemoryEngine opens a shared-cache in-memory engine under the given
// name. Engines with different names are fully isolated.
func NewMemoryEngine(ctx context.Context, name string) (*SQLiteEngine, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	return open(ctx, dsn)
}

// NewFileEngine opens a file-backed engine, used to build partition files.
func NewFileEngine(ctx context.Context, path string) (*SQLiteEngine, error) {
	return open(ctx, fmt.Sprintf("file:%s?_busy_timeout=5000", path))
}

func open(ctx context.Context, dsn string) (*SQLiteEngine, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to open engine", err)
	}

	// The pinned connection holds the shared-cache database open for the
	// life of the engine.
	pin, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to pin engine connection", err)
	}

	return &SQLiteEngine{db: db, pin: pin, dsn: dsn}, nil
}

// Exec runs a statement on the pinned connection.
func (e *SQLiteEngine) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := e.pin.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("engine: exec failed: %w", err)
	}
	return nil
}

// Query runs a query on the pinned connection.
func (e *SQLiteEngine) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := e.pin.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engine: query failed: %w", err)
	}
	return rows, nil
}

// Session returns a pooled logical connection.
func (e *SQLiteEngine) Session(ctx context.Context) (Session, error) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return nil, lakeerrors.NewEngineError(lakeerrors.CodeCacheDisposed, "engine is closed", nil)
	}
	e.mu.Unlock()

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to acquire session", err)
	}
	return &sqliteSession{conn: conn}, nil
}

// Close releases the pinned connection and the pool. Idempotent.
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return nil
	}
	e.done = true

	if err := e.pin.Close(); err != nil {
		e.db.Close()
		return fmt.Errorf("engine: failed to release pinned connection: %w", err)
	}
	return e.db.Close()
}

type sqliteSession struct {
	conn *sql.Conn
}

func (s *sqliteSession) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("engine: session exec failed: %w", err)
	}
	return nil
}

func (s *sqliteSession) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engine: session query failed: %w", err)
	}
	return rows, nil
}

// EnsureAttached attaches path under alias unless this connection already
// carries it.
func (s *sqliteSession) EnsureAttached(ctx context.Context, alias, path string) error {
	rows, err := s.conn.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return lakeerrors.NewEngineError(lakeerrors.CodeAttachFailed, "failed to list attachments", err)
	}
	attached := false
	for rows.Next() {
		var seq int
		var name, file string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			rows.Close()
			return lakeerrors.NewEngineError(lakeerrors.CodeAttachFailed, "failed to scan attachment list", err)
		}
		if name == alias {
			attached = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return lakeerrors.NewEngineError(lakeerrors.CodeAttachFailed, "failed to iterate attachment list", err)
	}
	rows.Close()

	if attached {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE %s AS %q", quoteSQLString(path), alias)); err != nil {
		return lakeerrors.NewEngineError(lakeerrors.CodeAttachFailed,
			fmt.Sprintf("failed to attach %s as %s", path, alias), err)
	}
	return nil
}

func (s *sqliteSession) Close() error {
	return s.conn.Close()
}

// quoteSQLString single-quotes a string literal for SQL text. ATTACH does
// not accept bound parameters in all SQLite builds.
func quoteSQLString(v string) string {
	out := make([]byte, 0, len(v)+2)
	out = append(out, '\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'', '\'')
		} else {
			out = append(out, v[i])
		}
	}
	return string(append(out, '\''))
}
