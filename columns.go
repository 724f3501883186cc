package crosstab

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCombinations is returned while the combination sequence is empty,
	// i.e. some column dimension has no resolved values yet.
	ErrNoCombinations = errors.New("no column combinations resolved")

	// ErrNoRowDimensions is returned for a query without row dimensions.
	ErrNoRowDimensions = errors.New("query has no row dimensions")
)

// columnFetcher produces one ColumnDataset per combination index such that
// every dataset reports the same row key set.
type columnFetcher struct {
	repo  Repository
	log   *zap.Logger
	limit int
}

// Fetch runs the two-phase protocol: the primary column unconstrained, then
// every remaining column in parallel, constrained to exactly the key list
// the primary returned. A primary fetch failure fails the orchestration as
// a whole; no partial multi-column view is produced.
func (f *columnFetcher) Fetch(
	ctx context.Context, q *PivotQuery, combos []Combination, primary int,
) (map[int]*ColumnDataset, error) {
	if len(combos) == 0 {
		return nil, ErrNoCombinations
	}
	if len(q.RowDimensions) == 0 {
		return nil, ErrNoRowDimensions
	}
	if primary < 0 || primary >= len(combos) {
		primary = 0
	}

	dims := q.RowDimensions[:1]

	primarySet, err := f.repo.Rows(ctx, &RowsRequest{
		Dimensions:   dims,
		Metrics:      q.Metrics,
		Filters:      mergeFilters(q.Filters, combos[primary].Filters()),
		DateFrom:     q.DateFrom,
		DateTo:       q.DateTo,
		Limit:        f.limit,
		IncludeTotal: true,
	})
	if err != nil {
		return nil, fmt.Errorf("primary column fetch failed: %w", err)
	}

	datasets := make([]*ColumnDataset, len(combos))
	datasets[primary] = &ColumnDataset{
		Combination: combos[primary],
		Rows:        primarySet.Rows,
		Total:       primarySet.Total,
	}

	keys := datasets[primary].Keys()
	f.log.Debug("primary column fetched",
		zap.Int("index", primary), zap.Int("rows", len(keys)))

	// With no keys to align against, a constrained fetch would degenerate
	// into an unbounded unconstrained one; every column is empty anyway.
	if len(keys) == 0 {
		result := make(map[int]*ColumnDataset, len(combos))
		for i := range combos {
			if i == primary {
				result[i] = datasets[primary]
				continue
			}
			result[i] = &ColumnDataset{Combination: combos[i]}
		}
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range combos {
		if i == primary {
			continue
		}
		i := i

		g.Go(func() error {
			set, err := f.repo.Rows(gctx, &RowsRequest{
				Dimensions:     dims,
				Metrics:        q.Metrics,
				Filters:        mergeFilters(q.Filters, combos[i].Filters()),
				DateFrom:       q.DateFrom,
				DateTo:         q.DateTo,
				Limit:          len(keys),
				RestrictToKeys: keys,
				IncludeTotal:   true,
			})
			if err != nil {
				return fmt.Errorf("column %d fetch failed: %w", i, err)
			}

			datasets[i] = &ColumnDataset{
				Combination: combos[i],
				Rows:        alignRows(set.Rows, keys),
				Total:       set.Total,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[int]*ColumnDataset, len(datasets))
	for i, ds := range datasets {
		result[i] = ds
	}
	return result, nil
}

// alignRows keeps only rows whose key belongs to the primary key set, in
// the primary's order. A key the column has no row for stays absent; the
// caller treats absence as "no data", not as an error.
func alignRows(rows []*Row, keys []string) []*Row {
	byKey := make(map[string]*Row, len(rows))
	for _, r := range rows {
		byKey[r.Key()] = r
	}

	aligned := make([]*Row, 0, len(keys))
	for _, k := range keys {
		if r, ok := byKey[k]; ok {
			aligned = append(aligned, r)
		}
	}
	return aligned
}

func mergeFilters(base, extra []*Filter) []*Filter {
	if len(extra) == 0 {
		return base
	}
	merged := make([]*Filter, 0, len(base)+len(extra))
	merged = append(merged, base...)
	merged = append(merged, extra...)
	return merged
}
