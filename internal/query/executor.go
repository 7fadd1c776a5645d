package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chronolake/chronolake/internal/engine"
	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/internal/runtime"
	"github.com/chronolake/chronolake/internal/staging"
	"github.com/chronolake/chronolake/pkg/types"
)

// Temp object names, session-scoped. Dropped before the session returns to
// the pool.
const (
	tempPublishedView = "q_published"
	tempStagedTable   = "q_staged"
	tempSourceView    = "q_source"
)

// SourceCounts reports rows contributed by one source class.
type SourceCounts struct {
	Rows       int64 `json:"rows"`
	Partitions int   `json:"partitions,omitempty"`
}

// Sources is the per-class provenance breakdown of a result.
type Sources struct {
	Published SourceCounts `json:"published"`
	Staging   SourceCounts `json:"staging"`
	HotBuffer SourceCounts `json:"hotBuffer"`
}

// Result is one executed query.
type Result struct {
	Rows     []types.Record
	Columns  []string
	Mode     string
	Sources  *Sources
	Warnings []string
}

// Executor runs plans against leased engine connections, merging staged and
// hot-buffer rows with published partition data.
type Executor struct {
	conns             *runtime.ConnCache
	staging           *staging.Buffer
	maxStatementBytes int
	statementTimeout  time.Duration
}

// NewExecutor creates an executor. buf may be nil when no staging buffer is
// wired; queries then cover published partitions only.
func NewExecutor(conns *runtime.ConnCache, buf *staging.Buffer, maxStatementBytes int, statementTimeout time.Duration) *Executor {
	if maxStatementBytes <= 0 {
		maxStatementBytes = 1 << 20
	}
	return &Executor{
		conns:             conns,
		staging:           buf,
		maxStatementBytes: maxStatementBytes,
		statementTimeout:  statementTimeout,
	}
}

// ExecutePlan runs the plan. A single partition's attach failure degrades
// with a warning; the query aborts only on engine-level failures or a
// malformed statement.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan) (*Result, error) {
	warnings := append([]string{}, plan.Warnings...)

	var stagedRows []staging.StagedRow
	if e.staging != nil {
		rows, err := e.staging.Scan(plan.Dataset.Dataset.ID, plan.StartMs, plan.EndMs)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("staging scan failed: %v", err))
			log.Printf("[WARN] query: staging scan for %s failed: %v", plan.Dataset.Dataset.Slug, err)
		} else {
			stagedRows = rows
		}
	}

	if len(plan.Partitions) == 0 && len(stagedRows) == 0 {
		return e.emptyResult(plan, warnings), nil
	}

	lease, err := e.conns.Lease(ctx, plan.Context)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	warnings = append(warnings, lease.Warnings...)

	sess := lease.Session
	defer e.dropTempObjects(sess)

	attached, attachWarnings := e.attachPlanPartitions(ctx, sess, lease, plan)
	warnings = append(warnings, attachWarnings...)

	columns, err := e.effectiveColumns(ctx, sess, plan, attached, stagedRows)
	if err != nil {
		return nil, err
	}

	sources := &Sources{}
	sources.Published.Partitions = len(attached)

	if err := e.installSource(ctx, sess, plan, columns, attached, stagedRows, sources, &warnings); err != nil {
		return nil, err
	}

	if len(attached) > 0 {
		n, err := e.countRows(ctx, sess, fmt.Sprintf("SELECT COUNT(*) FROM %s", tempPublishedView))
		if err != nil {
			return nil, err
		}
		sources.Published.Rows = n
	}
	for _, r := range stagedRows {
		if r.Source == staging.SourceHot {
			sources.HotBuffer.Rows++
		} else {
			sources.Staging.Rows++
		}
	}

	stmt, outCols, outTypes, args, err := e.buildFinalStatement(plan, columns)
	if err != nil {
		return nil, err
	}

	queryCtx := ctx
	if e.statementTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, e.statementTimeout)
		defer cancel()
	}

	rows, err := sess.Query(queryCtx, stmt, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionTimeout,
				fmt.Sprintf("query exceeded statement timeout %s", e.statementTimeout), err)
		}
		return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "query execution failed", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, outCols, outTypes)
	if err != nil {
		return nil, err
	}

	mode := ModeRaw
	if plan.Request.Downsample != nil {
		mode = ModeDownsampled
	}
	return &Result{
		Rows:     records,
		Columns:  outCols,
		Mode:     mode,
		Sources:  sources,
		Warnings: warnings,
	}, nil
}

// emptyResult is the zero-execution shortcut: correct column shape, no
// engine round-trip.
func (e *Executor) emptyResult(plan *Plan, warnings []string) *Result {
	if plan.Request.Downsample != nil {
		cols := []string{WindowStartColumn}
		for _, a := range plan.Request.Downsample.Aggregations {
			cols = append(cols, a.outputName())
		}
		return &Result{Rows: []types.Record{}, Columns: cols, Mode: ModeDownsampled, Sources: &Sources{}, Warnings: warnings}
	}

	cols := plan.Request.Columns
	if len(cols) == 0 {
		cols = []string{plan.TimestampColumn}
	}
	return &Result{Rows: []types.Record{}, Columns: cols, Mode: ModeRaw, Sources: &Sources{}, Warnings: warnings}
}

// attachPlanPartitions replays build-time attachments for the plan's
// partitions on this session's connection.
func (e *Executor) attachPlanPartitions(ctx context.Context, sess engine.Session, lease *runtime.Lease, plan *Plan) ([]*runtime.PartitionExecContext, []string) {
	paths := make(map[string]string, len(lease.Attachments))
	for _, a := range lease.Attachments {
		paths[a.Alias] = a.Path
	}

	var attached []*runtime.PartitionExecContext
	var warnings []string
	for _, p := range plan.Partitions {
		alias := runtime.PartitionAlias(p.Partition.ID)
		path, ok := paths[alias]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("partition %s was not localized at connection build, excluded", p.Partition.ID))
			continue
		}
		if err := sess.EnsureAttached(ctx, alias, path); err != nil {
			warnings = append(warnings, fmt.Sprintf("partition %s attach failed: %v, excluded", p.Partition.ID, err))
			log.Printf("[WARN] query: attach of partition %s failed: %v", p.Partition.ID, err)
			continue
		}
		attached = append(attached, p)
	}
	return attached, warnings
}

// effectiveColumns is the column shape the source view carries: the
// registered schema when present, otherwise introspected from the first
// attached partition, otherwise derived from staged rows.
func (e *Executor) effectiveColumns(ctx context.Context, sess engine.Session, plan *Plan, attached []*runtime.PartitionExecContext, stagedRows []staging.StagedRow) ([]types.ColumnDef, error) {
	if len(plan.Dataset.Columns) > 0 {
		return plan.Dataset.Columns, nil
	}

	if len(attached) > 0 {
		p := attached[0]
		stmt := fmt.Sprintf("PRAGMA %q.table_info(%q)", runtime.PartitionAlias(p.Partition.ID), p.TableName)
		rows, err := sess.Query(ctx, stmt)
		if err != nil {
			return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed,
				fmt.Sprintf("failed to introspect partition %s", p.Partition.ID), err)
		}
		defer rows.Close()

		var cols []types.ColumnDef
		for rows.Next() {
			var cid int
			var name, declType string
			var notNull, pk int
			var dflt interface{}
			if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
				return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to scan table info", err)
			}
			colType := types.NormalizeColumnType(declType)
			if name == plan.TimestampColumn {
				colType = types.TypeTimestamp
			}
			cols = append(cols, types.ColumnDef{Name: name, Type: colType, Nullable: notNull == 0})
		}
		if err := rows.Err(); err != nil {
			return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to iterate table info", err)
		}
		return cols, nil
	}

	// Staged rows only: union of record keys.
	kinds := make(map[string]types.ColumnType)
	for _, r := range stagedRows {
		for name, v := range r.Record {
			if _, ok := kinds[name]; ok {
				continue
			}
			kinds[name] = columnTypeForKind(v.Kind)
		}
	}
	if plan.TimestampColumn != "" {
		kinds[plan.TimestampColumn] = types.TypeTimestamp
	}

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]types.ColumnDef, 0, len(names))
	for _, name := range names {
		cols = append(cols, types.ColumnDef{Name: name, Type: kinds[name], Nullable: true})
	}
	return cols, nil
}

func columnTypeForKind(k types.ValueKind) types.ColumnType {
	switch k {
	case types.KindTimestamp:
		return types.TypeTimestamp
	case types.KindDouble:
		return types.TypeDouble
	case types.KindBigint:
		return types.TypeBigint
	case types.KindBool:
		return types.TypeBoolean
	default:
		return types.TypeString
	}
}

// installSource creates the session-temp source view the final statement
// reads: published partition selects bounded by the window, unioned with the
// staged temp table.
func (e *Executor) installSource(ctx context.Context, sess engine.Session, plan *Plan, columns []types.ColumnDef, attached []*runtime.PartitionExecContext, stagedRows []staging.StagedRow, sources *Sources, warnings *[]string) error {
	colNames := make([]string, len(columns))
	for i, c := range columns {
		colNames[i] = quoteIdent(c.Name)
	}
	colList := strings.Join(colNames, ", ")

	var sourceBranches []string

	if len(attached) > 0 || len(plan.Partitions) > 0 {
		var branches []string
		for _, p := range attached {
			branches = append(branches, fmt.Sprintf(
				"SELECT %s FROM %q.%q WHERE %s >= %d AND %s <= %d",
				colList, runtime.PartitionAlias(p.Partition.ID), p.TableName,
				quoteIdent(plan.TimestampColumn), plan.StartMs,
				quoteIdent(plan.TimestampColumn), plan.EndMs,
			))
		}
		if len(branches) == 0 {
			// Every attach failed for a dataset that should have data: keep
			// the column shape instead of silently omitting the dataset.
			branches = append(branches, runtime.TypedEmptySelect(columns))
			*warnings = append(*warnings, fmt.Sprintf("all %d selected partitions of %s failed to attach, result covers staged rows only",
				len(plan.Partitions), plan.Dataset.Dataset.Slug))
		}
		stmt := fmt.Sprintf("CREATE TEMP VIEW %s AS %s", tempPublishedView, strings.Join(branches, " UNION ALL "))
		if err := e.checkedExec(ctx, sess, stmt); err != nil {
			return err
		}
		sourceBranches = append(sourceBranches, fmt.Sprintf("SELECT %s FROM %s", colList, tempPublishedView))
	}

	if len(stagedRows) > 0 {
		defs := make([]string, len(columns))
		for i, c := range columns {
			defs[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type.SQLType())
		}
		create := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", tempStagedTable, strings.Join(defs, ", "))
		if err := e.checkedExec(ctx, sess, create); err != nil {
			return err
		}

		placeholders := strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ")
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tempStagedTable, colList, placeholders)
		for _, r := range stagedRows {
			args := make([]interface{}, len(columns))
			for i, c := range columns {
				if v, ok := r.Record[c.Name]; ok {
					args[i] = v.Bind()
				} else if c.Name == plan.TimestampColumn {
					args[i] = r.TimestampMs
				}
			}
			if err := sess.Exec(ctx, insert, args...); err != nil {
				return lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to load staged rows", err)
			}
		}
		sourceBranches = append(sourceBranches, fmt.Sprintf("SELECT %s FROM %s", colList, tempStagedTable))
	}

	stmt := fmt.Sprintf("CREATE TEMP VIEW %s AS %s", tempSourceView, strings.Join(sourceBranches, " UNION ALL "))
	return e.checkedExec(ctx, sess, stmt)
}

// buildFinalStatement renders the raw or downsampled select over the source
// view, with filter arguments bound.
func (e *Executor) buildFinalStatement(plan *Plan, columns []types.ColumnDef) (string, []string, map[string]types.ColumnType, []interface{}, error) {
	typeOf := make(map[string]types.ColumnType, len(columns))
	for _, c := range columns {
		typeOf[c.Name] = c.Type
	}

	where, args := renderFilters(plan.Request.ColumnFilters, typeOf)

	var b strings.Builder
	var outCols []string
	outTypes := make(map[string]types.ColumnType)

	if ds := plan.Request.Downsample; ds != nil {
		w := ds.windowMillis()
		// Floor-aligned binning: SQLite's % truncates toward zero, so the
		// plain (ts / w) * w form would round pre-1970 timestamps up into
		// the next window.
		tsCol := quoteIdent(plan.TimestampColumn)
		winExpr := fmt.Sprintf("(%s - ((%s %% %d + %d) %% %d))", tsCol, tsCol, w, w, w)

		b.WriteString("SELECT ")
		b.WriteString(winExpr)
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(WindowStartColumn))
		outCols = append(outCols, WindowStartColumn)
		outTypes[WindowStartColumn] = types.TypeTimestamp

		for _, a := range ds.Aggregations {
			b.WriteString(", ")
			b.WriteString(a.sqlExpr())
			outCols = append(outCols, a.outputName())
			outTypes[a.outputName()] = a.outputType()
		}
		fmt.Fprintf(&b, " FROM %s", tempSourceView)
		if where != "" {
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
		fmt.Fprintf(&b, " GROUP BY %s ORDER BY %s ASC", quoteIdent(WindowStartColumn), quoteIdent(WindowStartColumn))
	} else {
		projected := plan.Request.Columns
		if len(projected) == 0 {
			for _, c := range columns {
				projected = append(projected, c.Name)
			}
		}
		quoted := make([]string, len(projected))
		for i, name := range projected {
			quoted[i] = quoteIdent(name)
			outTypes[name] = typeOf[name]
		}
		outCols = projected

		fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(quoted, ", "), tempSourceView)
		if where != "" {
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
		fmt.Fprintf(&b, " ORDER BY %s ASC", quoteIdent(plan.TimestampColumn))
	}

	if plan.Request.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", plan.Request.Limit)
	}

	stmt := b.String()
	if len(stmt) > e.maxStatementBytes {
		return "", nil, nil, nil, lakeerrors.NewQueryError(lakeerrors.CodeStatementTooLarge,
			fmt.Sprintf("generated statement is %d bytes, limit %d", len(stmt), e.maxStatementBytes))
	}
	return stmt, outCols, outTypes, args, nil
}

// renderFilters produces the WHERE clause and bound arguments for column
// filters, converting values by the column's registered type.
func renderFilters(filters []Filter, typeOf map[string]types.ColumnType) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}

	ops := map[string]string{OpEq: "=", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}
	var clauses []string
	var args []interface{}
	for _, f := range filters {
		clauses = append(clauses, fmt.Sprintf("%s %s ?", quoteIdent(f.Column), ops[f.Op]))
		args = append(args, bindFilterValue(typeOf[f.Column], f.Value))
	}
	return strings.Join(clauses, " AND "), args
}

func bindFilterValue(t types.ColumnType, raw string) interface{} {
	switch t {
	case types.TypeTimestamp:
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts.UnixMilli()
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case types.TypeBigint:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case types.TypeDouble:
		if fl, err := strconv.ParseFloat(raw, 64); err == nil {
			return fl
		}
	case types.TypeBoolean:
		if raw == "true" || raw == "1" {
			return int64(1)
		}
		return int64(0)
	}
	return raw
}

// scanRecords reads the result set into typed records.
func scanRecords(rows *sql.Rows, outCols []string, outTypes map[string]types.ColumnType) ([]types.Record, error) {
	records := []types.Record{}
	raw := make([]interface{}, len(outCols))
	ptrs := make([]interface{}, len(outCols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to scan result row", err)
		}
		rec := make(types.Record, len(outCols))
		for i, name := range outCols {
			rec[name] = types.FromScan(outTypes[name], raw[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to iterate result rows", err)
	}
	return records, nil
}

func (e *Executor) countRows(ctx context.Context, sess engine.Session, stmt string) (int64, error) {
	rows, err := sess.Query(ctx, stmt)
	if err != nil {
		return 0, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to count source rows", err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to scan row count", err)
		}
	}
	return n, rows.Err()
}

// checkedExec enforces the statement length bound on generated DDL before
// running it.
func (e *Executor) checkedExec(ctx context.Context, sess engine.Session, stmt string) error {
	if len(stmt) > e.maxStatementBytes {
		return lakeerrors.NewQueryError(lakeerrors.CodeStatementTooLarge,
			fmt.Sprintf("generated statement is %d bytes, limit %d", len(stmt), e.maxStatementBytes))
	}
	if err := sess.Exec(ctx, stmt); err != nil {
		return lakeerrors.Wrap(lakeerrors.ErrCategoryQuery, lakeerrors.CodeExecutionFailed, "failed to install query source", err)
	}
	return nil
}

// dropTempObjects cleans the session's temp schema before the connection
// returns to the pool. Runs under a fresh context so cleanup survives a
// canceled query.
func (e *Executor) dropTempObjects(sess engine.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, stmt := range []string{
		"DROP VIEW IF EXISTS " + tempSourceView,
		"DROP VIEW IF EXISTS " + tempPublishedView,
		"DROP TABLE IF EXISTS " + tempStagedTable,
	} {
		if err := sess.Exec(ctx, stmt); err != nil {
			log.Printf("[WARN] query: temp cleanup failed: %v", err)
		}
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
