package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chronolake/chronolake/internal/engine"
	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/pkg/types"
)

// ConnEntry wraps one shared engine instance keyed by a context signature.
// It is never torn down while a lease is outstanding; once disposed it
// issues no new leases and tears down exactly once when the last lease
// returns.
type ConnEntry struct {
	Signature   string
	Warnings    []string
	Attachments []Attachment
	Views       []ViewDef

	engine       engine.Engine
	expiresAt    time.Time
	activeLeases int
	disposed     bool
	closed       bool
}

// Attachment records one partition database attached during an engine
// build. Attachments are per-connection in the engine, so each session
// replays them through EnsureAttached before touching dataset views.
type Attachment struct {
	Alias string
	Path  string
}

// ViewDef is one per-dataset union view. SQLite forbids persistent views
// that reference attached databases, so views are TEMP and materialized on
// each session after its attachments are replayed.
type ViewDef struct {
	Name string
	SQL  string
}

// Lease is one leased logical connection. Its session already carries the
// entry's attachments and dataset views. Callers must Release exactly once.
type Lease struct {
	Session     engine.Session
	Warnings    []string
	Attachments []Attachment
	Views       []ViewDef

	cache   *ConnCache
	entry   *ConnEntry
	private engine.Engine
	once    sync.Once
}

// Release returns the lease. For cached entries it decrements the refcount
// and finishes a deferred disposal at zero; for private engines it tears the
// engine down.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.Session != nil {
			if err := l.Session.Close(); err != nil {
				log.Printf("[WARN] runtime: failed to close session: %v", err)
			}
		}
		if l.private != nil {
			if err := l.private.Close(); err != nil {
				log.Printf("[WARN] runtime: failed to close private engine: %v", err)
			}
			return
		}
		l.cache.release(l.entry)
	})
}

// connBuild is the per-signature single-flight slot.
type connBuild struct {
	done  chan struct{}
	entry *ConnEntry
	err   error
}

// ConnCache caches execution engines by context signature with refcounted
// lease/release. TTL <= 0 disables caching: every lease gets a private
// engine torn down on release.
type ConnCache struct {
	ttl     time.Duration
	fetcher *Fetcher

	mu       sync.Mutex
	entries  map[string]*ConnEntry
	inflight map[string]*connBuild
	seq      uint64
}

// NewConnCache creates a connection cache. fetcher localizes remote
// partitions during engine builds.
func NewConnCache(ttl time.Duration, fetcher *Fetcher) *ConnCache {
	return &ConnCache{
		ttl:      ttl,
		fetcher:  fetcher,
		entries:  make(map[string]*ConnEntry),
		inflight: make(map[string]*connBuild),
	}
}

// Lease returns a logical connection for the context's signature, building
// the shared engine if absent. Concurrent callers for one signature share a
// single build.
func (cc *ConnCache) Lease(ctx context.Context, sc *SqlContext) (*Lease, error) {
	if cc.ttl <= 0 {
		eng, warnings, attachments, views, err := cc.buildEngine(ctx, sc, fmt.Sprintf("priv_%s_%d", shortSig(sc.Signature), time.Now().UnixNano()))
		if err != nil {
			return nil, err
		}
		sess, err := openSession(ctx, eng, attachments, views)
		if err != nil {
			eng.Close()
			return nil, err
		}
		return &Lease{Session: sess, Warnings: warnings, Attachments: attachments, Views: views, private: eng}, nil
	}

	for {
		cc.mu.Lock()
		cc.pruneLocked()

		if entry, ok := cc.entries[sc.Signature]; ok && !entry.disposed {
			entry.activeLeases++
			entry.expiresAt = time.Now().Add(cc.ttl)
			cc.mu.Unlock()

			sess, err := openSession(ctx, entry.engine, entry.Attachments, entry.Views)
			if err != nil {
				cc.release(entry)
				return nil, err
			}
			return &Lease{Session: sess, Warnings: entry.Warnings, Attachments: entry.Attachments, Views: entry.Views, cache: cc, entry: entry}, nil
		}

		if build, ok := cc.inflight[sc.Signature]; ok {
			cc.mu.Unlock()
			select {
			case <-build.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if build.err != nil {
				return nil, build.err
			}
			// Loop to lease from the freshly cached entry; it may already
			// be disposed again by an invalidation, in which case we rebuild.
			continue
		}

		build := &connBuild{done: make(chan struct{})}
		cc.inflight[sc.Signature] = build
		cc.seq++
		name := fmt.Sprintf("ctx_%s_%d", shortSig(sc.Signature), cc.seq)
		cc.mu.Unlock()

		eng, warnings, attachments, views, err := cc.buildEngine(ctx, sc, name)

		cc.mu.Lock()
		delete(cc.inflight, sc.Signature)
		if err != nil {
			cc.mu.Unlock()
			build.err = err
			close(build.done)
			return nil, err
		}
		entry := &ConnEntry{
			Signature:   sc.Signature,
			Warnings:    warnings,
			Attachments: attachments,
			Views:       views,
			engine:      eng,
			expiresAt:   time.Now().Add(cc.ttl),
		}
		cc.entries[sc.Signature] = entry
		cc.mu.Unlock()

		build.entry = entry
		close(build.done)
	}
}

// release decrements an entry's lease count, tearing down a disposed entry
// when the last lease returns.
func (cc *ConnCache) release(entry *ConnEntry) {
	cc.mu.Lock()
	entry.activeLeases--
	teardown := entry.disposed && entry.activeLeases <= 0 && !entry.closed
	if teardown {
		entry.closed = true
	}
	cc.mu.Unlock()

	if teardown {
		if err := entry.engine.Close(); err != nil {
			log.Printf("[WARN] runtime: failed to tear down engine for %s: %v", shortSig(entry.Signature), err)
		}
	}
}

// Flush disposes the entry for one signature. Physical teardown waits for
// outstanding leases.
func (cc *ConnCache) Flush(signature string) {
	cc.mu.Lock()
	entry, ok := cc.entries[signature]
	if ok {
		delete(cc.entries, signature)
		entry.disposed = true
	}
	var teardown bool
	if ok && entry.activeLeases <= 0 && !entry.closed {
		entry.closed = true
		teardown = true
	}
	cc.mu.Unlock()

	if teardown {
		if err := entry.engine.Close(); err != nil {
			log.Printf("[WARN] runtime: failed to tear down engine for %s: %v", shortSig(signature), err)
		}
	}
}

// FlushAll disposes every cached entry.
func (cc *ConnCache) FlushAll() {
	cc.mu.Lock()
	sigs := make([]string, 0, len(cc.entries))
	for sig := range cc.entries {
		sigs = append(sigs, sig)
	}
	cc.mu.Unlock()

	for _, sig := range sigs {
		cc.Flush(sig)
	}
}

// Entries returns the number of live cached entries.
func (cc *ConnCache) Entries() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.entries)
}

// pruneLocked disposes expired entries. Caller holds cc.mu.
func (cc *ConnCache) pruneLocked() {
	now := time.Now()
	for sig, entry := range cc.entries {
		if now.After(entry.expiresAt) && entry.activeLeases <= 0 {
			delete(cc.entries, sig)
			entry.disposed = true
			if !entry.closed {
				entry.closed = true
				if err := entry.engine.Close(); err != nil {
					log.Printf("[WARN] runtime: failed to close expired engine for %s: %v", shortSig(sig), err)
				}
			}
		}
	}
}

// buildEngine assembles one engine for a context: runtime metadata tables,
// partition attachments, and one union view definition per dataset. Schema
// setup runs once here, before any lease is issued; views are replayed per
// session.
func (cc *ConnCache) buildEngine(ctx context.Context, sc *SqlContext, name string) (engine.Engine, []string, []Attachment, []ViewDef, error) {
	eng, err := engine.NewMemoryEngine(ctx, name)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var warnings []string
	attachments, views, err := cc.installContext(ctx, eng, sc, &warnings)
	if err != nil {
		eng.Close()
		return nil, nil, nil, nil, err
	}
	return eng, warnings, attachments, views, nil
}

// openSession acquires a session and replays the entry's attachments and
// TEMP view definitions. Both are per-connection state, invisible on a
// pooled connection until installed; IF NOT EXISTS makes replay idempotent
// when the pool hands back a connection that already carries them.
func openSession(ctx context.Context, eng engine.Engine, attachments []Attachment, views []ViewDef) (engine.Session, error) {
	sess, err := eng.Session(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if err := sess.EnsureAttached(ctx, a.Alias, a.Path); err != nil {
			sess.Close()
			return nil, err
		}
	}
	for _, v := range views {
		if err := sess.Exec(ctx, v.SQL); err != nil {
			sess.Close()
			return nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild,
				fmt.Sprintf("failed to install view %s", v.Name), err)
		}
	}
	return sess, nil
}

const metadataDDL = `
CREATE TABLE chronolake_datasets (
	slug TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	view_name TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	partition_count INTEGER NOT NULL,
	total_rows INTEGER NOT NULL,
	total_bytes INTEGER NOT NULL
);
CREATE TABLE chronolake_partitions (
	id TEXT PRIMARY KEY,
	dataset_slug TEXT NOT NULL,
	alias TEXT NOT NULL,
	location TEXT NOT NULL,
	table_name TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	row_count INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL
);
CREATE TABLE chronolake_columns (
	dataset_slug TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	nullable INTEGER NOT NULL
);`

func (cc *ConnCache) installContext(ctx context.Context, eng engine.Engine, sc *SqlContext, warnings *[]string) ([]Attachment, []ViewDef, error) {
	if err := eng.Exec(ctx, metadataDDL); err != nil {
		return nil, nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to create runtime metadata tables", err)
	}

	var attachments []Attachment
	var views []ViewDef

	for _, dc := range sc.Datasets {
		if err := eng.Exec(ctx,
			"INSERT INTO chronolake_datasets VALUES (?, ?, ?, ?, ?, ?, ?)",
			dc.Dataset.Slug, dc.Dataset.ID, dc.ViewName, dc.UpdatedAt.UnixMilli(),
			len(dc.Partitions), dc.TotalRows, dc.TotalBytes,
		); err != nil {
			return nil, nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to register dataset metadata", err)
		}
		for _, col := range dc.Columns {
			nullable := 0
			if col.Nullable {
				nullable = 1
			}
			if err := eng.Exec(ctx,
				"INSERT INTO chronolake_columns VALUES (?, ?, ?, ?)",
				dc.Dataset.Slug, col.Name, string(col.Type), nullable,
			); err != nil {
				return nil, nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to register column metadata", err)
			}
		}

		var attached []*PartitionExecContext
		for _, p := range dc.Partitions {
			localPath, err := cc.fetcher.EnsureLocal(ctx, p.Partition, p.Target)
			if err != nil {
				*warnings = append(*warnings, fmt.Sprintf("partition %s not attachable: %v", p.Partition.ID, err))
				log.Printf("[WARN] runtime: partition %s of %s not attachable: %v", p.Partition.ID, dc.Dataset.Slug, err)
				continue
			}

			alias := PartitionAlias(p.Partition.ID)
			if err := eng.Exec(ctx, fmt.Sprintf("ATTACH DATABASE %s AS %q", quoteStringLiteral(localPath), alias)); err != nil {
				*warnings = append(*warnings, fmt.Sprintf("partition %s attach failed: %v", p.Partition.ID, err))
				log.Printf("[WARN] runtime: attach of partition %s failed: %v", p.Partition.ID, err)
				continue
			}

			if err := eng.Exec(ctx,
				"INSERT INTO chronolake_partitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
				p.Partition.ID, dc.Dataset.Slug, alias, localPath, p.TableName,
				p.StartTime, p.EndTime, p.RowCount, p.SizeBytes,
			); err != nil {
				return nil, nil, lakeerrors.NewEngineError(lakeerrors.CodeEngineBuild, "failed to register partition metadata", err)
			}
			attachments = append(attachments, Attachment{Alias: alias, Path: localPath})
			attached = append(attached, p)
		}

		if view, ok := datasetView(dc, attached, warnings); ok {
			views = append(views, view)
		}
	}
	return attachments, views, nil
}

// datasetView unions the attached partitions under the dataset's view name.
// Datasets with no attachable partitions get a typed-empty view so column
// introspection keeps working.
func datasetView(dc *DatasetContext, attached []*PartitionExecContext, warnings *[]string) (ViewDef, bool) {
	if len(attached) == 0 && len(dc.Columns) == 0 {
		*warnings = append(*warnings, fmt.Sprintf("dataset %s has no attachable partitions and no columns, view skipped", dc.Dataset.Slug))
		return ViewDef{}, false
	}

	var selects []string
	if len(attached) == 0 {
		selects = append(selects, TypedEmptySelect(dc.Columns))
		*warnings = append(*warnings, fmt.Sprintf("dataset %s has no attachable partitions, exposed as typed-empty view", dc.Dataset.Slug))
	} else {
		projection := "*"
		if len(dc.Columns) > 0 {
			names := make([]string, len(dc.Columns))
			for i, c := range dc.Columns {
				names[i] = quoteIdent(c.Name)
			}
			projection = strings.Join(names, ", ")
		}
		for _, p := range attached {
			selects = append(selects, fmt.Sprintf("SELECT %s FROM %q.%q", projection, PartitionAlias(p.Partition.ID), p.TableName))
		}
	}

	stmt := fmt.Sprintf("CREATE TEMP VIEW IF NOT EXISTS %q AS %s", dc.ViewName, strings.Join(selects, " UNION ALL "))
	return ViewDef{Name: dc.ViewName, SQL: stmt}, true
}

// PartitionAlias derives the attachment alias for a partition id.
func PartitionAlias(partitionID string) string {
	var b strings.Builder
	b.WriteString("p_")
	for _, r := range partitionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// TypedEmptySelect produces a zero-row select with the dataset's column
// shape, used when every partition attach failed.
func TypedEmptySelect(columns []types.ColumnDef) string {
	if len(columns) == 0 {
		return "SELECT NULL WHERE 0"
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", c.Type.SQLType(), quoteIdent(c.Name))
	}
	return "SELECT " + strings.Join(parts, ", ") + " WHERE 0"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteStringLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
