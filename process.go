package crosstab

import "sort"

// OtherRowLabel is the display key of the synthetic long-tail bucket row.
const OtherRowLabel = "Other"

// ProcessOptions context the row processor needs about the rows it is given.
type ProcessOptions struct {
	// Depth the rows live at; 0 for a top-level row set.
	Depth int
	// RowDimensions is the drill-hierarchy length of the active query.
	RowDimensions int
	// MultiColumn disables expanding into search-term children.
	MultiColumn bool
	// DimensionDesc flips the deterministic dimension-value ordering.
	DimensionDesc bool
}

// ProcessRows converts raw fetched rows into display rows: marks
// has-children, rescales percentage_of_total from the source's 0..100
// convention to a 0..1 fraction, and applies a deterministic secondary
// ordering by dimension value so output is stable before any metric sort.
// The input rows are left untouched; cached row sets stay in fetch units.
func ProcessRows(rows []*Row, opts ProcessOptions) []*Row {
	childDepth := opts.Depth + 1
	hasChildren := childDepth < opts.RowDimensions ||
		(opts.RowDimensions > 0 && childDepth == opts.RowDimensions && !opts.MultiColumn)

	out := make([]*Row, 0, len(rows))
	for _, r := range rows {
		c := *r
		c.HasChildren = hasChildren && !c.IsOther
		c.PercentageOfTotal = r.PercentageOfTotal / 100
		out = append(out, &c)
	}

	if opts.RowDimensions > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			if opts.DimensionDesc {
				return out[i].Key() > out[j].Key()
			}
			return out[i].Key() < out[j].Key()
		})
	}

	return out
}

// MergeRows buckets the long tail of a row set into a synthetic "Other"
// row. Rows are walked in their current order accumulating their share;
// every row encountered once the running sum has already reached the
// threshold is diverted into the bucket. The partition is one-shot: a row
// already inside "Other" is never re-examined, so applying MergeRows to its
// own output is a no-op.
//
// threshold is a percentage in [0,100]; 0 disables bucketing. Row shares
// are expected as 0..1 fractions (post-ProcessRows).
func MergeRows(rows []*Row, threshold float64) []*Row {
	if threshold <= 0 {
		return rows
	}

	limit := threshold / 100
	main := make([]*Row, 0, len(rows))
	var other *Row
	sum := 0.0

	for _, r := range rows {
		if r.IsOther || sum >= limit {
			other = mergeOther(other, r)
			continue
		}
		main = append(main, r)
		sum += r.PercentageOfTotal
	}

	if other != nil {
		main = append(main, other)
	}
	return main
}

// mergeOther folds a row into the bucket: per-metric sums, summed share,
// summed search-term counts. The bucket itself is never expandable.
func mergeOther(other, r *Row) *Row {
	if other == nil {
		other = &Row{
			Values:  []string{OtherRowLabel},
			Metrics: make(map[string]float64),
			IsOther: true,
		}
	}

	for k, v := range r.Metrics {
		other.Metrics[k] += v
	}
	other.PercentageOfTotal += r.PercentageOfTotal
	other.SearchTermCount += r.SearchTermCount
	return other
}
