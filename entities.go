package crosstab

import "time"

// DimensionKey identifies a grouping attribute (standard or "custom_"-prefixed).
type DimensionKey string

// MetricFormat display format of a metric value.
type MetricFormat string

const (
	FormatNumber   MetricFormat = "number"
	FormatCurrency MetricFormat = "currency"
	FormatPercent  MetricFormat = "percent"
)

// Dimension descriptor of a grouping attribute.
type Dimension struct {
	Key   DimensionKey
	Label string
	// Expression contains column name or sql expression.
	Expression string
}

// Metric descriptor of a measurable quantity with display metadata.
type Metric struct {
	Key      string
	Label    string
	Format   MetricFormat
	Decimals int
	// Expression contains column name or sql expression.
	Expression string
}

// Schema metric/dimension display metadata, consulted for formatting only.
type Schema struct {
	Dimensions []*Dimension
	Metrics    []*Metric
}

// Filter single dimension-value filter.
type Filter struct {
	Key       DimensionKey
	Values    []interface{}
	Condition Condition
}

// PivotQuery describes one cross-tab: row dimensions define the drill
// hierarchy, column dimensions define the comparison-column axis.
type PivotQuery struct {
	Table            string
	RowDimensions    []DimensionKey
	ColumnDimensions []DimensionKey
	Metrics          []string
	Filters          []*Filter
	DateFrom         time.Time
	DateTo           time.Time
}

// MultiColumn reports whether the query produces comparison columns.
func (q *PivotQuery) MultiColumn() bool {
	return len(q.ColumnDimensions) > 0
}

// Combination assigns one concrete value to every column dimension. The
// index into the generated sequence is the original column index, stable
// for the session.
type Combination struct {
	Dimensions []DimensionKey
	Values     []string
}

// Filters returns the combination's fixed values as equality filters, to be
// merged into a query's base filter set.
func (c Combination) Filters() []*Filter {
	fs := make([]*Filter, 0, len(c.Dimensions))
	for i := range c.Dimensions {
		fs = append(fs, &Filter{
			Key:       c.Dimensions[i],
			Values:    []interface{}{c.Values[i]},
			Condition: CondEq,
		})
	}
	return fs
}

// Label joins the combination values for display.
func (c Combination) Label() string {
	if len(c.Values) == 0 {
		return ""
	}
	s := c.Values[0]
	for _, v := range c.Values[1:] {
		s += " / " + v
	}
	return s
}

// Row one aggregated row as reported by the repository and consumed by the
// engine. Values holds one dimension value per requested dimension, in
// request order; the last element is the display key at the row's depth.
// A metric absent from Metrics is a null (no data), not a zero.
type Row struct {
	Values  []string
	Metrics map[string]float64

	// PercentageOfTotal is 0..100 as fetched, rescaled to a 0..1 fraction
	// by the row processor.
	PercentageOfTotal float64
	SearchTermCount   int

	HasChildren bool
	IsOther     bool
}

// Key returns the row's display dimension value.
func (r *Row) Key() string {
	if len(r.Values) == 0 {
		return ""
	}
	return r.Values[len(r.Values)-1]
}

// Path returns the row's position in the drill hierarchy.
func (r *Row) Path() RowPath {
	return RowPath(r.Values)
}

// MetricValue returns the value and whether it is present.
func (r *Row) MetricValue(key string) (float64, bool) {
	v, ok := r.Metrics[key]
	return v, ok
}

// RowSet rows plus the aggregate total row for the same conditions.
type RowSet struct {
	Rows  []*Row
	Total *Row
}

// ChildRow one leaf ("search term") child row.
type ChildRow struct {
	SearchTerm        string
	Metrics           map[string]float64
	PercentageOfTotal float64
}

// ColumnDataset fetched rows of one comparison column, indexed by display
// key. All datasets other than the primary are constrained at fetch time to
// the primary's key set.
type ColumnDataset struct {
	Combination Combination
	Rows        []*Row
	Total       *Row

	index map[string]*Row
}

// Lookup returns the row for a display key, or nil when the column has no
// data for it.
func (d *ColumnDataset) Lookup(key string) *Row {
	if d == nil {
		return nil
	}
	if d.index == nil {
		d.index = make(map[string]*Row, len(d.Rows))
		for _, r := range d.Rows {
			d.index[r.Key()] = r
		}
	}
	return d.index[key]
}

// Keys returns the ordered display keys of the dataset.
func (d *ColumnDataset) Keys() []string {
	keys := make([]string, 0, len(d.Rows))
	for _, r := range d.Rows {
		keys = append(keys, r.Key())
	}
	return keys
}

// SortDirection direction of any of the three sorts.
type SortDirection string

const (
	DirectionAsc  SortDirection = "asc"
	DirectionDesc SortDirection = "desc"
)

// SubColumn sub-column of a comparison column in multi-column mode.
type SubColumn string

const (
	SubValue   SubColumn = "value"
	SubDiff    SubColumn = "diff"
	SubPctDiff SubColumn = "pct_diff"
)

// RowSortConfig current row ordering. Column is an original column index,
// or SingleColumn in single-table mode; Sub is meaningful only in
// multi-column mode.
type RowSortConfig struct {
	Metric    string
	Column    int
	Sub       SubColumn
	Direction SortDirection
}

// SingleColumn marks a row sort that targets the single-table metric column.
const SingleColumn = -1

// ColumnSortConfig ordering of the comparison columns by their totals.
type ColumnSortConfig struct {
	Metric    string
	Direction SortDirection
}

// ChildrenSortByLabel orders drill-down children alphabetically by label
// instead of by a metric.
const ChildrenSortByLabel = "dimension"

// ChildrenSortConfig display ordering of cached drill-down children.
type ChildrenSortConfig struct {
	Column    string
	Direction SortDirection
}

// ViewState explicit UI-driven state of one pivot session.
type ViewState struct {
	// ColumnOrder is a permutation of original column indices;
	// ColumnOrder[0] is the primary (reference) column.
	ColumnOrder []int

	RowSort      *RowSortConfig
	ColumnSort   *ColumnSortConfig
	ChildrenSort *ChildrenSortConfig

	// MergeThreshold is a percentage in [0,100]; 0 disables bucketing.
	MergeThreshold float64

	// DimensionOrderDesc flips the deterministic dimension-value ordering
	// applied before any metric sort.
	DimensionOrderDesc bool
}
