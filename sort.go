package crosstab

import "sort"

// Diff returns current - primary for a metric. The result is null when
// either side has no data; a missing row is a data gap, never an implicit
// zero.
func Diff(current, primary *Row, metric string) (float64, bool) {
	if current == nil || primary == nil {
		return 0, false
	}
	cv, okc := current.MetricValue(metric)
	pv, okp := primary.MetricValue(metric)
	if !okc || !okp {
		return 0, false
	}
	return cv - pv, true
}

// PctDiff returns (current/primary - 1) * 100 for a metric. The result is
// null when either side has no data or the primary value is 0.
func PctDiff(current, primary *Row, metric string) (float64, bool) {
	if current == nil || primary == nil {
		return 0, false
	}
	cv, okc := current.MetricValue(metric)
	pv, okp := primary.MetricValue(metric)
	if !okc || !okp || pv == 0 {
		return 0, false
	}
	return (cv/pv - 1) * 100, true
}

// sortNullsLast orders rows by a nullable key. A null key sorts after any
// non-null key regardless of direction; the sort is stable, so re-applying
// it to its own output is a no-op.
func sortNullsLast(rows []*Row, dir SortDirection, key func(*Row) (float64, bool)) {
	sort.SliceStable(rows, func(i, j int) bool {
		vi, oki := key(rows[i])
		vj, okj := key(rows[j])
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		if dir == DirectionAsc {
			return vi < vj
		}
		return vi > vj
	})
}

// SortRows orders rows in place per the row sort config. In single-table
// mode the comparator keys off the bare metric; in multi-column mode it
// keys off the (column index, sub-column, metric) triple, with diff and
// pctDiff computed against the primary column.
func SortRows(rows []*Row, cfg *RowSortConfig, datasets map[int]*ColumnDataset, primary int) {
	if cfg == nil {
		return
	}

	sortNullsLast(rows, cfg.Direction, func(r *Row) (float64, bool) {
		return rowSortKey(r, cfg, datasets, primary)
	})
}

func rowSortKey(r *Row, cfg *RowSortConfig, datasets map[int]*ColumnDataset, primary int) (float64, bool) {
	if cfg.Column == SingleColumn || datasets == nil {
		return r.MetricValue(cfg.Metric)
	}

	current := datasets[cfg.Column].Lookup(r.Key())
	switch cfg.Sub {
	case SubDiff:
		return Diff(current, datasets[primary].Lookup(r.Key()), cfg.Metric)
	case SubPctDiff:
		return PctDiff(current, datasets[primary].Lookup(r.Key()), cfg.Metric)
	default:
		if current == nil {
			return 0, false
		}
		return current.MetricValue(cfg.Metric)
	}
}

// SortColumns returns the column display order for a column sort config:
// original indices ordered by each column's total value for the chosen
// metric. A nil config restores the identity order.
func SortColumns(count int, datasets map[int]*ColumnDataset, cfg *ColumnSortConfig) []int {
	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	if cfg == nil {
		return order
	}

	key := func(idx int) (float64, bool) {
		ds := datasets[idx]
		if ds == nil || ds.Total == nil {
			return 0, false
		}
		return ds.Total.MetricValue(cfg.Metric)
	}

	sort.SliceStable(order, func(i, j int) bool {
		vi, oki := key(order[i])
		vj, okj := key(order[j])
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		if cfg.Direction == DirectionAsc {
			return vi < vj
		}
		return vi > vj
	})
	return order
}

// SortChildren orders a page of drill-down children for display, either
// alphabetically by label or numerically by one metric. Cache contents are
// untouched; callers pass a copy.
func SortChildren(children []*Row, cfg *ChildrenSortConfig) {
	if cfg == nil {
		return
	}

	if cfg.Column == ChildrenSortByLabel {
		sort.SliceStable(children, func(i, j int) bool {
			if cfg.Direction == DirectionDesc {
				return children[i].Key() > children[j].Key()
			}
			return children[i].Key() < children[j].Key()
		})
		return
	}

	sortNullsLast(children, cfg.Direction, func(r *Row) (float64, bool) {
		return r.MetricValue(cfg.Column)
	})
}
