// Package query plans and executes federated queries over a dataset's
// published partitions and its staged rows.
package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chronolake/chronolake/internal/catalog"
	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/internal/runtime"
)

// Result modes.
const (
	ModeRaw         = "raw"
	ModeDownsampled = "downsampled"
)

// Filter operators.
const (
	OpEq  = "eq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// TimeRange is the inclusive query window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Filter is one typed comparison, applied to partition keys during pruning
// or to column values during execution.
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Request is one query over a dataset.
type Request struct {
	TimeRange TimeRange

	// Columns to project; empty means every registered column.
	Columns []string

	// PartitionKeyFilters prune partitions by their key attributes.
	PartitionKeyFilters []Filter

	// ColumnFilters apply to row values at execution time.
	ColumnFilters []Filter

	// Downsample switches the query into aggregation mode.
	Downsample *Downsample

	// TimestampColumn overrides the configured default time column.
	TimestampColumn string

	// Limit bounds the result row count; 0 means unlimited.
	Limit int
}

// PartitionSelection summarizes pruning for observability.
type PartitionSelection struct {
	Total    int
	Selected int
	Pruned   int
}

// Plan is a validated, pruned query ready for execution.
type Plan struct {
	Context         *runtime.SqlContext
	Dataset         *runtime.DatasetContext
	Request         Request
	Partitions      []*runtime.PartitionExecContext
	Selection       PartitionSelection
	StartMs         int64
	EndMs           int64
	TimestampColumn string
	Warnings        []string
}

// Options tunes the planner.
type Options struct {
	// TimestampColumn is the default time column when a request names none.
	TimestampColumn string
}

// Planner resolves requests against the cached SqlContext. State-free per
// call; safe for concurrent use.
type Planner struct {
	cache *runtime.RuntimeCache
	opts  Options
}

// NewPlanner creates a planner over the runtime cache.
func NewPlanner(cache *runtime.RuntimeCache, opts Options) *Planner {
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = "timestamp"
	}
	return &Planner{cache: cache, opts: opts}
}

// BuildPlan resolves the dataset, prunes partitions to the request window
// and partition-key filters, and validates the downsample specification.
// All execution-fatal validation happens here, before any partition is
// attached.
func (p *Planner) BuildPlan(ctx context.Context, slug string, req Request) (*Plan, error) {
	if req.TimeRange.Start.IsZero() || req.TimeRange.End.IsZero() {
		return nil, lakeerrors.NewValidationError(lakeerrors.CodeInvalidTimeRange, "time range start and end are required")
	}
	if req.TimeRange.End.Before(req.TimeRange.Start) {
		return nil, lakeerrors.NewValidationError(lakeerrors.CodeInvalidTimeRange,
			fmt.Sprintf("time range end %s precedes start %s", req.TimeRange.End.Format(time.RFC3339), req.TimeRange.Start.Format(time.RFC3339)))
	}
	for _, f := range append(append([]Filter{}, req.PartitionKeyFilters...), req.ColumnFilters...) {
		if err := validateFilter(f); err != nil {
			return nil, err
		}
	}

	sc, err := p.cache.LoadContext(ctx)
	if err != nil {
		return nil, err
	}
	dc, ok := sc.Dataset(slug)
	if !ok {
		return nil, lakeerrors.New(lakeerrors.ErrCategoryCatalog, lakeerrors.CodeDatasetNotFound,
			fmt.Sprintf("dataset %q not found", slug))
	}

	if backend := dc.Dataset.Metadata[catalog.MetadataKeyExecutionBackend]; backend != "" && backend != catalog.WriteFormatNative {
		return nil, lakeerrors.NewQueryError(lakeerrors.CodeUnknownBackend,
			fmt.Sprintf("dataset %s requests unsupported execution backend %q", slug, backend))
	}

	tsColumn := req.TimestampColumn
	if tsColumn == "" {
		tsColumn = p.opts.TimestampColumn
	}
	if len(dc.Columns) > 0 {
		if _, ok := dc.Column(tsColumn); !ok {
			return nil, lakeerrors.NewValidationError(lakeerrors.CodeInvalidFilter,
				fmt.Sprintf("timestamp column %q is not a column of dataset %s", tsColumn, slug))
		}
	}

	if req.Downsample != nil {
		if err := req.Downsample.validate(dc); err != nil {
			return nil, err
		}
	}

	plan := &Plan{
		Context:         sc,
		Dataset:         dc,
		Request:         req,
		StartMs:         req.TimeRange.Start.UnixMilli(),
		EndMs:           req.TimeRange.End.UnixMilli(),
		TimestampColumn: tsColumn,
	}

	plan.Selection.Total = len(dc.Partitions)
	for _, pec := range dc.Partitions {
		if pec.EndTime < plan.StartMs || pec.StartTime > plan.EndMs {
			continue
		}
		if !matchesPartitionKeys(pec.Partition.PartitionKey, req.PartitionKeyFilters) {
			continue
		}
		plan.Partitions = append(plan.Partitions, pec)
	}
	plan.Selection.Selected = len(plan.Partitions)
	plan.Selection.Pruned = plan.Selection.Total - plan.Selection.Selected

	// Unknown projected columns are degraded, not fatal: the dataset's
	// schema may lag a recent write.
	if len(dc.Columns) > 0 {
		for _, name := range req.Columns {
			if _, ok := dc.Column(name); !ok {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf("requested column %q is not registered for dataset %s", name, slug))
			}
		}
	}
	return plan, nil
}

func validateFilter(f Filter) error {
	if f.Column == "" {
		return lakeerrors.NewValidationError(lakeerrors.CodeInvalidFilter, "filter column is required")
	}
	switch f.Op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		return nil
	default:
		return lakeerrors.NewValidationError(lakeerrors.CodeInvalidFilter,
			fmt.Sprintf("unsupported filter operator %q", f.Op))
	}
}

// matchesPartitionKeys applies typed comparators against a partition's key
// attributes. A partition missing a filtered key never matches.
func matchesPartitionKeys(keys map[string]string, filters []Filter) bool {
	for _, f := range filters {
		have, ok := keys[f.Column]
		if !ok {
			return false
		}
		if !compareTyped(have, f.Op, f.Value) {
			return false
		}
	}
	return true
}

// compareTyped compares numerically when both sides parse as numbers,
// lexically otherwise. Equality is always exact string equality.
func compareTyped(have, op, want string) bool {
	if op == OpEq {
		return have == want
	}

	hn, herr := strconv.ParseFloat(have, 64)
	wn, werr := strconv.ParseFloat(want, 64)
	if herr == nil && werr == nil {
		switch op {
		case OpGt:
			return hn > wn
		case OpGte:
			return hn >= wn
		case OpLt:
			return hn < wn
		case OpLte:
			return hn <= wn
		}
		return false
	}

	switch op {
	case OpGt:
		return have > want
	case OpGte:
		return have >= want
	case OpLt:
		return have < want
	case OpLte:
		return have <= want
	}
	return false
}
