package crosstab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepository is a scripted Repository for engine-level tests; it plays
// the role sqlmock plays one layer down.
type fakeRepository struct {
	mu sync.Mutex

	rowsFn     func(req *RowsRequest) (*RowSet, error)
	childrenFn func(req *ChildrenRequest) ([]*ChildRow, error)
	values     map[DimensionKey][]string
	valuesErr  error
	schema     *Schema

	rowCalls   []*RowsRequest
	childCalls []*ChildrenRequest
}

func (f *fakeRepository) Rows(_ context.Context, req *RowsRequest) (*RowSet, error) {
	f.mu.Lock()
	f.rowCalls = append(f.rowCalls, req)
	f.mu.Unlock()
	return f.rowsFn(req)
}

func (f *fakeRepository) Children(_ context.Context, req *ChildrenRequest) ([]*ChildRow, error) {
	f.mu.Lock()
	f.childCalls = append(f.childCalls, req)
	f.mu.Unlock()
	return f.childrenFn(req)
}

func (f *fakeRepository) DistinctValues(
	_ context.Context, dimension DimensionKey, _ []*Filter, _, _ time.Time,
) ([]string, error) {
	return f.values[dimension], f.valuesErr
}

func (f *fakeRepository) Schema(_ context.Context) (*Schema, error) {
	if f.schema != nil {
		return f.schema, nil
	}
	return &Schema{}, nil
}

func (f *fakeRepository) rowRequests() []*RowsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*RowsRequest(nil), f.rowCalls...)
}

func (f *fakeRepository) childRequests() []*ChildrenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ChildrenRequest(nil), f.childCalls...)
}

func testRow(pct float64, metrics map[string]float64, values ...string) *Row {
	return &Row{Values: values, Metrics: metrics, PercentageOfTotal: pct}
}

// filterValue returns the fixed value a request carries for one dimension.
func filterValue(filters []*Filter, key DimensionKey) string {
	for _, f := range filters {
		if f.Key == key && len(f.Values) == 1 {
			if s, ok := f.Values[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func testCombos() []Combination {
	return Combinations(
		[]DimensionKey{"country"},
		map[DimensionKey][]string{"country": {"US", "UK"}},
	)
}

func TestColumnFetcher_Alignment(t *testing.T) {
	t.Parallel()

	repo := &fakeRepository{
		rowsFn: func(req *RowsRequest) (*RowSet, error) {
			switch filterValue(req.Filters, "country") {
			case "US":
				return &RowSet{
					Rows: []*Row{
						testRow(70, map[string]float64{"clicks": 700}, "shoes"),
						testRow(30, map[string]float64{"clicks": 300}, "bags"),
					},
					Total: testRow(100, map[string]float64{"clicks": 1000}),
				}, nil
			default:
				// Extra key plus one of the primary's keys, out of order.
				return &RowSet{
					Rows: []*Row{
						testRow(50, map[string]float64{"clicks": 100}, "hats"),
						testRow(50, map[string]float64{"clicks": 100}, "bags"),
					},
					Total: testRow(100, map[string]float64{"clicks": 200}),
				}, nil
			}
		},
	}

	q := &PivotQuery{
		RowDimensions:    []DimensionKey{"category"},
		ColumnDimensions: []DimensionKey{"country"},
		Metrics:          []string{"clicks"},
	}

	f := &columnFetcher{repo: repo, log: zap.NewNop(), limit: 50}
	datasets, err := f.Fetch(context.Background(), q, testCombos(), 0)
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	primaryKeys := map[string]struct{}{"shoes": {}, "bags": {}}
	for _, r := range datasets[1].Rows {
		_, ok := primaryKeys[r.Key()]
		require.True(t, ok, "non-primary dataset may not introduce key %q", r.Key())
	}
	require.Equal(t, []string{"bags"}, datasets[1].Keys())
	require.Nil(t, datasets[1].Lookup("shoes"), "missing key surfaces as no data")

	// The secondary fetch must have been constrained to the primary's keys.
	var constrained *RowsRequest
	for _, req := range repo.rowRequests() {
		if len(req.RestrictToKeys) > 0 {
			constrained = req
		}
	}
	require.NotNil(t, constrained)
	require.Equal(t, []string{"shoes", "bags"}, constrained.RestrictToKeys)
	require.Equal(t, "UK", filterValue(constrained.Filters, "country"))
}

func TestColumnFetcher_PrimaryFailureFailsAll(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	repo := &fakeRepository{
		rowsFn: func(req *RowsRequest) (*RowSet, error) {
			if filterValue(req.Filters, "country") == "US" {
				return nil, boom
			}
			return &RowSet{}, nil
		},
	}

	q := &PivotQuery{
		RowDimensions:    []DimensionKey{"category"},
		ColumnDimensions: []DimensionKey{"country"},
	}

	f := &columnFetcher{repo: repo, log: zap.NewNop(), limit: 50}
	_, err := f.Fetch(context.Background(), q, testCombos(), 0)
	require.ErrorIs(t, err, boom)
	require.Len(t, repo.rowRequests(), 1, "no partial multi-column view is produced")
}

func TestColumnFetcher_SingleTable(t *testing.T) {
	t.Parallel()

	repo := &fakeRepository{
		rowsFn: func(req *RowsRequest) (*RowSet, error) {
			require.Empty(t, req.RestrictToKeys)
			return &RowSet{
				Rows:  []*Row{testRow(100, map[string]float64{"clicks": 10}, "shoes")},
				Total: testRow(100, map[string]float64{"clicks": 10}),
			}, nil
		},
	}

	q := &PivotQuery{RowDimensions: []DimensionKey{"category"}, Metrics: []string{"clicks"}}

	f := &columnFetcher{repo: repo, log: zap.NewNop(), limit: 50}
	datasets, err := f.Fetch(context.Background(), q, []Combination{{}}, 0)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	require.Len(t, repo.rowRequests(), 1)
}

func TestColumnFetcher_EmptyPrimary(t *testing.T) {
	t.Parallel()

	repo := &fakeRepository{
		rowsFn: func(req *RowsRequest) (*RowSet, error) {
			return &RowSet{}, nil
		},
	}

	q := &PivotQuery{
		RowDimensions:    []DimensionKey{"category"},
		ColumnDimensions: []DimensionKey{"country"},
		Metrics:          []string{"clicks"},
	}

	f := &columnFetcher{repo: repo, log: zap.NewNop(), limit: 50}
	datasets, err := f.Fetch(context.Background(), q, testCombos(), 0)
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	require.Empty(t, datasets[0].Rows)
	require.Empty(t, datasets[1].Rows)

	// An empty key set must not turn the constrained fetches into
	// unbounded unconstrained ones; they are skipped outright.
	require.Len(t, repo.rowRequests(), 1)
}

func TestColumnFetcher_Degenerate(t *testing.T) {
	t.Parallel()

	f := &columnFetcher{repo: &fakeRepository{}, log: zap.NewNop(), limit: 50}

	_, err := f.Fetch(context.Background(), &PivotQuery{RowDimensions: []DimensionKey{"category"}}, nil, 0)
	require.ErrorIs(t, err, ErrNoCombinations)

	_, err = f.Fetch(context.Background(), &PivotQuery{}, []Combination{{}}, 0)
	require.ErrorIs(t, err, ErrNoRowDimensions)
}
