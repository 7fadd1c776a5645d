package query

import (
	"fmt"
	"strings"

	lakeerrors "github.com/chronolake/chronolake/internal/errors"
	"github.com/chronolake/chronolake/internal/runtime"
	"github.com/chronolake/chronolake/pkg/types"
)

// Aggregation functions.
const (
	AggAvg        = "avg"
	AggMin        = "min"
	AggMax        = "max"
	AggSum        = "sum"
	AggCount      = "count"
	AggPercentile = "percentile"
)

// WindowStartColumn is the output column carrying each bucket's start time.
const WindowStartColumn = "window_start"

// unitMillis maps supported window units to their fixed length. Months and
// years are excluded: buckets must have a constant width for epoch-anchored
// integer binning.
var unitMillis = map[string]int64{
	"second": 1000,
	"minute": 60 * 1000,
	"hour":   60 * 60 * 1000,
	"day":    24 * 60 * 60 * 1000,
	"week":   7 * 24 * 60 * 60 * 1000,
}

// Aggregation is one requested aggregate over the window.
type Aggregation struct {
	Function string
	Column   string
	Alias    string
	Fraction float64
}

// Downsample requests time-bucketed aggregation: Size Units per bucket,
// anchored to the Unix epoch.
type Downsample struct {
	Size         int
	Unit         string
	Aggregations []Aggregation
}

func (d *Downsample) validate(dc *runtime.DatasetContext) error {
	if d.Size < 1 {
		return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
			fmt.Sprintf("window size must be at least 1, got %d", d.Size))
	}
	if _, ok := unitMillis[d.Unit]; !ok {
		return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
			fmt.Sprintf("unsupported window unit %q", d.Unit))
	}
	if len(d.Aggregations) == 0 {
		return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample, "at least one aggregation is required")
	}

	seen := make(map[string]bool)
	for _, a := range d.Aggregations {
		switch a.Function {
		case AggAvg, AggMin, AggMax, AggSum, AggPercentile:
			if a.Column == "" {
				return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
					fmt.Sprintf("%s requires a column", a.Function))
			}
		case AggCount:
		default:
			return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
				fmt.Sprintf("unsupported aggregation function %q", a.Function))
		}

		if a.Function == AggPercentile && (a.Fraction < 0 || a.Fraction > 1) {
			return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
				fmt.Sprintf("percentile fraction must be within [0, 1], got %g", a.Fraction))
		}
		if a.Column != "" && len(dc.Columns) > 0 {
			if _, ok := dc.Column(a.Column); !ok {
				return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
					fmt.Sprintf("aggregation column %q is not a column of dataset %s", a.Column, dc.Dataset.Slug))
			}
		}

		alias := a.outputName()
		if seen[alias] {
			return lakeerrors.NewValidationError(lakeerrors.CodeInvalidDownsample,
				fmt.Sprintf("duplicate aggregation alias %q", alias))
		}
		seen[alias] = true
	}
	return nil
}

// windowMillis returns the bucket width.
func (d *Downsample) windowMillis() int64 {
	return int64(d.Size) * unitMillis[d.Unit]
}

// outputName is the result column for this aggregation.
func (a Aggregation) outputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Function == AggCount && a.Column == "" {
		return "count"
	}
	return a.Function + "_" + a.Column
}

// outputType is the value type the aggregation produces.
func (a Aggregation) outputType() types.ColumnType {
	if a.Function == AggCount {
		return types.TypeBigint
	}
	return types.TypeDouble
}

// sqlExpr renders the aggregation as a SQL select expression.
func (a Aggregation) sqlExpr() string {
	switch a.Function {
	case AggCount:
		if a.Column == "" {
			return fmt.Sprintf("COUNT(*) AS %s", quoteIdent(a.outputName()))
		}
		return fmt.Sprintf("COUNT(%s) AS %s", quoteIdent(a.Column), quoteIdent(a.outputName()))
	case AggPercentile:
		return fmt.Sprintf("percentile(%s, %s) AS %s", quoteIdent(a.Column), formatFraction(a.Fraction), quoteIdent(a.outputName()))
	default:
		return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(a.Function), quoteIdent(a.Column), quoteIdent(a.outputName()))
	}
}

func formatFraction(f float64) string {
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
