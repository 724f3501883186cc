package crosstab

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultPageSize bounds top-level and drill-down fetches.
const DefaultPageSize = 50

// ErrNotExpandable is returned when expanding a row that has no level below it.
var ErrNotExpandable = errors.New("row has no children to expand")

// Engine owns one pivot session: the active query, the view state, the
// fetched column datasets and the drill-down cache. It is exclusively owned
// by one consumer; all mutation happens between its method calls, so no
// locking is involved.
type Engine struct {
	repo Repository
	log  *zap.Logger

	pageSize int

	query    *PivotQuery
	view     ViewState
	combos   []Combination
	datasets map[int]*ColumnDataset
	drill    *drillCache

	// fetchedPrimary is the column the latest two-phase fetch keyed on; the
	// row axis follows it even if auto-sort moved ColumnOrder[0] afterwards.
	fetchedPrimary int
	autoSorted     bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// LoggerEngineOption sets the engine logger.
func LoggerEngineOption(log *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// PageSizeEngineOption sets the fetch page size.
func PageSizeEngineOption(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

// NewEngine returns a new pivot engine over a repository.
func NewEngine(repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:     repo,
		log:      zap.NewNop(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.drill = newDrillCache(repo, e.log, e.pageSize)
	return e
}

// SetQuery replaces the active query. A row-dimension change invalidates
// every cache the session holds; other changes are reconciled on the next
// Run.
func (e *Engine) SetQuery(q *PivotQuery) {
	if e.query == nil || !dimsEqual(e.query.RowDimensions, q.RowDimensions) {
		e.log.Debug("row dimensions changed, invalidating session caches")
		e.datasets = nil
		e.combos = nil
		e.drill.invalidate()
	}
	e.query = q
}

// Query returns the active query.
func (e *Engine) Query() *PivotQuery {
	return e.query
}

// State returns a copy of the current view state.
func (e *Engine) State() ViewState {
	return e.view
}

// View is the processed result of one Run: the ordered, bucketed primary
// row set plus the aligned column datasets.
type View struct {
	Rows        []*Row
	ColumnOrder []int
	Datasets    map[int]*ColumnDataset
	MultiColumn bool
}

// Primary returns the primary (reference) column index.
func (v *View) Primary() int {
	if len(v.ColumnOrder) > 0 {
		return v.ColumnOrder[0]
	}
	return 0
}

// Cell returns one column's row for a display key, nil when the column has
// no data for it.
func (v *View) Cell(column int, key string) *Row {
	return v.Datasets[column].Lookup(key)
}

// Run resolves the column combinations, fetches the aligned column
// datasets, and produces the processed view.
func (e *Engine) Run(ctx context.Context) (*View, error) {
	if e.query == nil {
		return nil, errors.New("no query set")
	}

	combos, err := e.resolveCombinations(ctx)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		// Some column dimension has no resolved values; render as still
		// resolving, never as an empty table.
		return nil, ErrNoCombinations
	}

	if !combinationsEqual(e.combos, combos) {
		e.combos = combos
		e.view.ColumnOrder = identityOrder(len(combos))
		e.view.ColumnSort = nil
		e.autoSorted = false
		e.drill.invalidate()
	}

	primary := e.primary()
	fetcher := &columnFetcher{repo: e.repo, log: e.log, limit: e.pageSize}
	datasets, err := fetcher.Fetch(ctx, e.query, e.combos, primary)
	if err != nil {
		return nil, err
	}
	e.datasets = datasets
	e.fetchedPrimary = primary

	// The initial identity order is overwritten once datasets arrive:
	// columns auto-sort by the primary metric's totals.
	if !e.autoSorted && e.query.MultiColumn() && len(e.query.Metrics) > 0 {
		e.view.ColumnOrder = SortColumns(len(e.combos), e.datasets, &ColumnSortConfig{
			Metric:    e.query.Metrics[0],
			Direction: DirectionDesc,
		})
		e.autoSorted = true
	}

	e.drill.bind(e.query, e.combos, e.view.ColumnOrder)

	return e.buildView(), nil
}

// buildView runs the processing pipeline over the primary dataset: display
// conversion, metric sort, then merge-threshold bucketing over the
// resulting order.
func (e *Engine) buildView() *View {
	primary := e.fetchedPrimary

	rows := ProcessRows(e.datasets[primary].Rows, ProcessOptions{
		Depth:         0,
		RowDimensions: len(e.query.RowDimensions),
		MultiColumn:   e.query.MultiColumn(),
		DimensionDesc: e.view.DimensionOrderDesc,
	})
	// Diffs key off the display primary, which auto-sort may have moved.
	SortRows(rows, e.view.RowSort, e.datasets, e.primary())
	rows = MergeRows(rows, e.view.MergeThreshold)

	return &View{
		Rows:        rows,
		ColumnOrder: append([]int(nil), e.view.ColumnOrder...),
		Datasets:    e.datasets,
		MultiColumn: e.query.MultiColumn(),
	}
}

func (e *Engine) resolveCombinations(ctx context.Context) ([]Combination, error) {
	values := make(map[DimensionKey][]string, len(e.query.ColumnDimensions))
	for _, dim := range e.query.ColumnDimensions {
		vs, err := e.repo.DistinctValues(ctx, dim, e.query.Filters, e.query.DateFrom, e.query.DateTo)
		if err != nil {
			return nil, fmt.Errorf("distinct values for %q failed: %w", dim, err)
		}
		values[dim] = vs
	}
	return Combinations(e.query.ColumnDimensions, values), nil
}

func (e *Engine) primary() int {
	if len(e.view.ColumnOrder) > 0 {
		return e.view.ColumnOrder[0]
	}
	return 0
}

// ToggleRowSort applies a click on a row sort target: a new target starts
// descending, the same target cycles desc, then asc, then cleared.
func (e *Engine) ToggleRowSort(metric string, column int, sub SubColumn) {
	cur := e.view.RowSort
	if cur != nil && cur.Metric == metric && cur.Column == column && cur.Sub == sub {
		if cur.Direction == DirectionDesc {
			cur.Direction = DirectionAsc
		} else {
			e.view.RowSort = nil
		}
		return
	}
	e.view.RowSort = &RowSortConfig{Metric: metric, Column: column, Sub: sub, Direction: DirectionDesc}
}

// ToggleColumnSort applies a click on a column sort metric: a new metric
// starts descending, the same metric cycles desc, then asc, then back to the
// original index-identity order. Reordering columns changes which column is
// primary, so all expanded rows collapse and drill children are dropped.
func (e *Engine) ToggleColumnSort(metric string) {
	cur := e.view.ColumnSort
	switch {
	case cur == nil || cur.Metric != metric:
		e.view.ColumnSort = &ColumnSortConfig{Metric: metric, Direction: DirectionDesc}
	case cur.Direction == DirectionDesc:
		cur.Direction = DirectionAsc
	default:
		e.view.ColumnSort = nil
	}
	e.applyColumnOrder(SortColumns(len(e.combos), e.datasets, e.view.ColumnSort))
}

// MoveColumn applies an explicit user reorder of the display permutation.
func (e *Engine) MoveColumn(from, to int) {
	order := e.view.ColumnOrder
	if from < 0 || from >= len(order) || to < 0 || to >= len(order) || from == to {
		return
	}
	moved := order[from]
	order = append(order[:from], order[from+1:]...)
	order = append(order[:to], append([]int{moved}, order[to:]...)...)
	e.applyColumnOrder(order)
}

func (e *Engine) applyColumnOrder(order []int) {
	e.view.ColumnOrder = order
	e.drill.invalidate()
	e.drill.bind(e.query, e.combos, order)
}

// SetMergeThreshold sets the long-tail bucketing threshold, a percentage in
// [0,100]; 0 disables bucketing.
func (e *Engine) SetMergeThreshold(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	e.view.MergeThreshold = v
}

// SetChildrenSort sets the display ordering of drill-down children.
func (e *Engine) SetChildrenSort(cfg *ChildrenSortConfig) {
	e.view.ChildrenSort = cfg
}

// SetDimensionOrderDesc flips the deterministic dimension-value ordering.
func (e *Engine) SetDimensionOrderDesc(desc bool) {
	e.view.DimensionOrderDesc = desc
}

// Expand toggles a row open and loads its first page of children.
func (e *Engine) Expand(ctx context.Context, path RowPath) error {
	if !e.expandable(path) {
		return ErrNotExpandable
	}
	return e.drill.Expand(ctx, path)
}

// Collapse toggles a row closed; its cached children are retained.
func (e *Engine) Collapse(path RowPath) {
	e.drill.Collapse(path)
}

// LoadPage navigates an expanded row to a page of children.
func (e *Engine) LoadPage(ctx context.Context, path RowPath, page int) error {
	return e.drill.LoadPage(ctx, path, page)
}

// DrillState returns the lifecycle state of a row path.
func (e *Engine) DrillState(path RowPath) DrillState {
	return e.drill.State(path)
}

// HasNextPage reports whether another page of children may exist.
func (e *Engine) HasNextPage(path RowPath) bool {
	return e.drill.HasNextPage(path)
}

// ChildrenOf returns the current page of an expanded row's children as
// processed display rows, ordered per the children sort. The cache itself
// is never reordered or rescaled.
func (e *Engine) ChildrenOf(path RowPath) []*Row {
	if e.query == nil {
		return nil
	}

	cached := e.drill.Children(path, e.primary(), e.drill.CurrentPage(path))
	rows := ProcessRows(cached, ProcessOptions{
		Depth:         len(path),
		RowDimensions: len(e.query.RowDimensions),
		MultiColumn:   e.query.MultiColumn(),
		DimensionDesc: e.view.DimensionOrderDesc,
	})
	SortChildren(rows, e.view.ChildrenSort)
	return rows
}

// ChildCell returns one column's child row for a display key below a path,
// nil when that column has no data for it.
func (e *Engine) ChildCell(path RowPath, column int, key string) *Row {
	return e.drill.ChildValue(path, column, key)
}

// CumulativePercentage returns the running share (0..1 fraction) through a
// row of the currently shown children page, indexed in the same order
// ChildrenOf returns. Earlier pages contribute whole-page sums; within the
// shown page the share accumulates in display order.
func (e *Engine) CumulativePercentage(path RowPath, rowIndex int) float64 {
	rows := e.ChildrenOf(path)
	if rowIndex < 0 || rowIndex >= len(rows) {
		return 0
	}

	page := e.drill.CurrentPage(path)
	sum := e.drill.CumulativePercentage(path, e.primary(), page, -1) / 100
	for i := 0; i <= rowIndex; i++ {
		sum += rows[i].PercentageOfTotal
	}
	return sum
}

// expandable mirrors the has-children classification: a level must exist
// below the path, and search-term children are reachable only in
// single-table mode.
func (e *Engine) expandable(path RowPath) bool {
	if e.query == nil {
		return false
	}

	childDepth := len(path)
	if childDepth < len(e.query.RowDimensions) {
		return true
	}
	return childDepth == len(e.query.RowDimensions) &&
		len(e.query.RowDimensions) > 0 && !e.query.MultiColumn()
}

func dimsEqual(a, b []DimensionKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func combinationsEqual(a, b []Combination) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i].Values) != len(b[i].Values) {
			return false
		}
		for j := range a[i].Values {
			if a[i].Values[j] != b[i].Values[j] || a[i].Dimensions[j] != b[i].Dimensions[j] {
				return false
			}
		}
	}
	return true
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}
