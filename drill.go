package crosstab

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DrillState per-RowPath lifecycle state.
type DrillState int

const (
	DrillCollapsed DrillState = iota
	DrillExpanding
	DrillExpanded
	DrillPageLoading
)

// ErrNotExpanded is returned on page navigation for a collapsed row.
var ErrNotExpanded = errors.New("row is not expanded")

// RowPath identifies a node in the drill hierarchy: the ancestor dimension
// values from the top level down to the row itself. Depth 0 is a top-level
// row.
type RowPath []string

// Depth of the node; equals the number of dimensions drilled into.
func (p RowPath) Depth() int {
	return len(p) - 1
}

// HasPrefix reports whether p strictly extends prefix.
func (p RowPath) HasPrefix(prefix RowPath) bool {
	if len(p) <= len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// key returns a collision-free encoding for use inside composite map keys.
// Elements are quoted, so a dimension value containing the separator cannot
// alias another path.
func (p RowPath) key() string {
	parts := make([]string, len(p))
	for i := range p {
		parts[i] = strconv.Quote(p[i])
	}
	return strings.Join(parts, ",")
}

// drillPageKey structured composite cache key, one entry per
// (row path, child depth, original column index, page number).
type drillPageKey struct {
	path   string
	depth  int
	column int
	page   int
}

type drillNode struct {
	path  RowPath
	state DrillState
	page  int
}

// drillCache caches child rows per (path, depth, column, page) and drives
// the per-path expand lifecycle. Cache entries survive collapse, so
// re-expansion is free; they are wholesale invalidated on query-shape or
// column-order changes.
type drillCache struct {
	repo Repository
	log  *zap.Logger

	pageSize int
	// coarseLimit bounds the next-depth combination fetch that intermediate
	// levels are synthesized from by prefix-filtering.
	coarseLimit int
	// nonPrimaryLimit bounds non-primary child fetches; there is no second
	// constrained-fetch step at the child level, so non-primary columns are
	// overfetched to cover the primary's keys.
	nonPrimaryLimit int

	query  *PivotQuery
	combos []Combination
	order  []int

	nodes map[string]*drillNode
	pages map[drillPageKey][]*Row
	// inflight marks paths with a fetch underway, so two rapid toggles on
	// the same row cannot issue duplicate fetches.
	inflight map[string]struct{}
}

func newDrillCache(repo Repository, log *zap.Logger, pageSize int) *drillCache {
	return &drillCache{
		repo:            repo,
		log:             log,
		pageSize:        pageSize,
		coarseLimit:     1000,
		nonPrimaryLimit: 1000,
		nodes:           make(map[string]*drillNode),
		pages:           make(map[drillPageKey][]*Row),
		inflight:        make(map[string]struct{}),
	}
}

// bind points the cache at the current query session. Column order is
// rebound on every change because the primary column identity governs
// which fetches page.
func (c *drillCache) bind(q *PivotQuery, combos []Combination, order []int) {
	c.query = q
	c.combos = combos
	c.order = order
}

// invalidate drops every cache entry and all lifecycle state.
func (c *drillCache) invalidate() {
	c.nodes = make(map[string]*drillNode)
	c.pages = make(map[drillPageKey][]*Row)
	c.inflight = make(map[string]struct{})
}

func (c *drillCache) node(path RowPath) *drillNode {
	key := path.key()
	n, ok := c.nodes[key]
	if !ok {
		n = &drillNode{path: path, state: DrillCollapsed}
		c.nodes[key] = n
	}
	return n
}

// State returns the lifecycle state of a path.
func (c *drillCache) State(path RowPath) DrillState {
	if n, ok := c.nodes[path.key()]; ok {
		return n.state
	}
	return DrillCollapsed
}

// CurrentPage returns the page an expanded path is showing.
func (c *drillCache) CurrentPage(path RowPath) int {
	if n, ok := c.nodes[path.key()]; ok {
		return n.page
	}
	return 0
}

// Expand toggles a collapsed path on. The first page of children is fetched
// for every column; a fetch failure rolls the path back to collapsed and
// leaves prior cache entries untouched.
func (c *drillCache) Expand(ctx context.Context, path RowPath) error {
	key := path.key()
	if _, busy := c.inflight[key]; busy {
		return nil
	}

	n := c.node(path)
	if n.state != DrillCollapsed {
		return nil
	}

	if _, ok := c.page(path, c.primaryColumn(), 0); ok {
		n.state = DrillExpanded
		return nil
	}

	n.state = DrillExpanding
	c.inflight[key] = struct{}{}
	defer delete(c.inflight, key)

	if err := c.fetchPage(ctx, path, 0); err != nil {
		n.state = DrillCollapsed
		return err
	}

	n.state = DrillExpanded
	n.page = 0
	return nil
}

// Collapse toggles a path off. Cached children are retained; an in-flight
// fetch result is simply ignored by the UI but still lands in the cache for
// the next expand.
func (c *drillCache) Collapse(path RowPath) {
	if n, ok := c.nodes[path.key()]; ok {
		n.state = DrillCollapsed
	}
}

// LoadPage navigates an expanded path to a page, fetching it if uncached.
func (c *drillCache) LoadPage(ctx context.Context, path RowPath, page int) error {
	if page < 0 {
		return fmt.Errorf("invalid page %d", page)
	}

	n := c.node(path)
	if n.state != DrillExpanded {
		return ErrNotExpanded
	}

	if _, ok := c.page(path, c.primaryColumn(), page); ok {
		n.page = page
		return nil
	}

	n.state = DrillPageLoading
	err := c.fetchPage(ctx, path, page)
	n.state = DrillExpanded
	if err != nil {
		return err
	}

	n.page = page
	return nil
}

// Children returns the cached rows of a column's page for display.
func (c *drillCache) Children(path RowPath, column, page int) []*Row {
	rows, _ := c.page(path, column, page)
	return rows
}

// ChildValue finds a child row of one column by display key across all of
// the column's cached pages, for aligning multi-column child cells.
func (c *drillCache) ChildValue(path RowPath, column int, key string) *Row {
	for page := 0; ; page++ {
		rows, ok := c.page(path, column, page)
		if !ok {
			return nil
		}
		for _, r := range rows {
			if r.Key() == key {
				return r
			}
		}
	}
}

// HasNextPage reports whether the current page is full-sized; a short page
// is the end-of-data signal, no total count is consulted at this level.
func (c *drillCache) HasNextPage(path RowPath) bool {
	n, ok := c.nodes[path.key()]
	if !ok || n.state != DrillExpanded {
		return false
	}
	rows, ok := c.page(path, c.primaryColumn(), n.page)
	return ok && len(rows) == c.pageSize
}

// CumulativePercentage computes the running percentage share at a row of a
// page: the sum over all cached earlier pages of the same path plus the
// current page up to and including the row. It is a pure function of cache
// contents, so it stays correct when pages are cached out of visitation
// order.
func (c *drillCache) CumulativePercentage(path RowPath, column, page, rowIndex int) float64 {
	sum := 0.0
	for p := 0; p < page; p++ {
		rows, ok := c.page(path, column, p)
		if !ok {
			continue
		}
		for _, r := range rows {
			sum += r.PercentageOfTotal
		}
	}

	rows, ok := c.page(path, column, page)
	if !ok {
		return sum
	}
	for i := 0; i <= rowIndex && i < len(rows); i++ {
		sum += rows[i].PercentageOfTotal
	}
	return sum
}

func (c *drillCache) primaryColumn() int {
	if len(c.order) > 0 {
		return c.order[0]
	}
	return 0
}

func (c *drillCache) page(path RowPath, column, page int) ([]*Row, bool) {
	rows, ok := c.pages[drillPageKey{path: path.key(), depth: len(path), column: column, page: page}]
	return rows, ok
}

func (c *drillCache) storePage(path RowPath, column, page int, rows []*Row) {
	c.pages[drillPageKey{path: path.key(), depth: len(path), column: column, page: page}] = rows
}

// fetchPage loads one page of children for every column. Leaf levels fetch
// search-term children directly; intermediate levels fetch the next depth's
// dimension combination and keep only rows extending the path. The primary
// column's fetch is paged; non-primary columns are fetched once to a large
// limit so they cover the primary's keys.
func (c *drillCache) fetchPage(ctx context.Context, path RowPath, page int) error {
	childDepth := len(path)
	leaf := childDepth >= len(c.query.RowDimensions)
	primary := c.primaryColumn()

	order := c.order
	if len(order) == 0 {
		order = []int{0}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, col := range order {
		col := col
		isPrimary := col == primary

		if !isPrimary {
			// Non-primary children are cached once under page 0.
			if _, ok := c.page(path, col, 0); ok {
				continue
			}
		}

		g.Go(func() error {
			if leaf {
				return c.fetchLeafPage(gctx, path, col, isPrimary, page)
			}
			return c.fetchBranchPage(gctx, path, col, isPrimary, page)
		})
	}

	err := g.Wait()
	level := "branch"
	if leaf {
		level = "leaf"
	}
	observeDrillFetch(level, err)
	if err != nil {
		return err
	}

	c.log.Debug("drill page fetched",
		zap.Strings("path", path), zap.Int("page", page), zap.Bool("leaf", leaf))
	return nil
}

func (c *drillCache) fetchLeafPage(ctx context.Context, path RowPath, col int, isPrimary bool, page int) error {
	limit, offset := c.pageSize, page*c.pageSize
	if !isPrimary {
		limit, offset = c.nonPrimaryLimit, 0
	}

	children, err := c.repo.Children(ctx, &ChildrenRequest{
		Dimension: c.query.RowDimensions[len(path)-1],
		Value:     path[len(path)-1],
		Metrics:   c.query.Metrics,
		Filters:   c.childFilters(path, col),
		DateFrom:  c.query.DateFrom,
		DateTo:    c.query.DateTo,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return fmt.Errorf("leaf children fetch for %v failed: %w", path, err)
	}

	rows := make([]*Row, 0, len(children))
	for _, ch := range children {
		values := make([]string, 0, len(path)+1)
		values = append(values, path...)
		values = append(values, ch.SearchTerm)
		rows = append(rows, &Row{
			Values:            values,
			Metrics:           ch.Metrics,
			PercentageOfTotal: ch.PercentageOfTotal,
		})
	}

	if isPrimary {
		c.storePage(path, col, page, rows)
	} else {
		c.storePage(path, col, 0, rows)
	}
	return nil
}

// fetchBranchPage synthesizes intermediate-level children: the remote has
// no "children of X" primitive above the leaf level, so the next depth's
// full combination is fetched and prefix-filtered client-side.
func (c *drillCache) fetchBranchPage(ctx context.Context, path RowPath, col int, isPrimary bool, page int) error {
	childDepth := len(path)

	set, err := c.repo.Rows(ctx, &RowsRequest{
		Dimensions:   c.query.RowDimensions[:childDepth+1],
		Metrics:      c.query.Metrics,
		Filters:      c.childFilters(path, col),
		DateFrom:     c.query.DateFrom,
		DateTo:       c.query.DateTo,
		Limit:        c.coarseLimit,
		IncludeTotal: true,
	})
	if err != nil {
		return fmt.Errorf("branch children fetch for %v failed: %w", path, err)
	}

	children := make([]*Row, 0, len(set.Rows))
	for _, r := range set.Rows {
		if r.Path().HasPrefix(path) {
			children = append(children, r)
		}
	}

	if !isPrimary {
		c.storePage(path, col, 0, children)
		return nil
	}

	// Slice the filtered set into fixed-size pages. Every page the coarse
	// fetch covers is cached at once; the requested page is stored even
	// when empty so a failed probe past the end is remembered.
	for p := 0; p*c.pageSize < len(children) || p <= page; p++ {
		lo := p * c.pageSize
		hi := lo + c.pageSize
		if lo > len(children) {
			lo = len(children)
		}
		if hi > len(children) {
			hi = len(children)
		}
		c.storePage(path, col, p, children[lo:hi])
	}
	return nil
}

// childFilters merges the base filters, equality filters pinning every
// ancestor value on the path, and the column combination's fixed values.
func (c *drillCache) childFilters(path RowPath, col int) []*Filter {
	filters := make([]*Filter, 0, len(c.query.Filters)+len(path)+2)
	filters = append(filters, c.query.Filters...)

	// Pin ancestors above the display dimension; the fetch itself carries
	// the deepest pair (leaf) or groups by the full hierarchy (branch).
	for i := 0; i+1 < len(path); i++ {
		filters = append(filters, &Filter{
			Key:       c.query.RowDimensions[i],
			Values:    []interface{}{path[i]},
			Condition: CondEq,
		})
	}

	if col >= 0 && col < len(c.combos) {
		filters = append(filters, c.combos[col].Filters()...)
	}
	return filters
}
