package crosstab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessRows(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name     string
		rows     []*Row
		opts     ProcessOptions
		expected []*Row
	}{
		{
			name: "marks children and rescales percentages",
			rows: []*Row{
				{Values: []string{"shoes"}, PercentageOfTotal: 70},
				{Values: []string{"bags"}, PercentageOfTotal: 30},
			},
			opts: ProcessOptions{Depth: 0, RowDimensions: 2},
			expected: []*Row{
				{Values: []string{"bags"}, PercentageOfTotal: 0.3, HasChildren: true},
				{Values: []string{"shoes"}, PercentageOfTotal: 0.7, HasChildren: true},
			},
		},
		{
			name: "search-term level expandable in single-table mode only",
			rows: []*Row{
				{Values: []string{"shoes"}, PercentageOfTotal: 100},
			},
			opts: ProcessOptions{Depth: 0, RowDimensions: 1, MultiColumn: true},
			expected: []*Row{
				{Values: []string{"shoes"}, PercentageOfTotal: 1, HasChildren: false},
			},
		},
		{
			name: "search-term level expandable without column dimensions",
			rows: []*Row{
				{Values: []string{"shoes"}, PercentageOfTotal: 100},
			},
			opts: ProcessOptions{Depth: 0, RowDimensions: 1},
			expected: []*Row{
				{Values: []string{"shoes"}, PercentageOfTotal: 1, HasChildren: true},
			},
		},
		{
			name: "descending dimension order",
			rows: []*Row{
				{Values: []string{"a"}, PercentageOfTotal: 50},
				{Values: []string{"c"}, PercentageOfTotal: 30},
				{Values: []string{"b"}, PercentageOfTotal: 20},
			},
			opts: ProcessOptions{Depth: 0, RowDimensions: 1, MultiColumn: true, DimensionDesc: true},
			expected: []*Row{
				{Values: []string{"c"}, PercentageOfTotal: 0.3},
				{Values: []string{"b"}, PercentageOfTotal: 0.2},
				{Values: []string{"a"}, PercentageOfTotal: 0.5},
			},
		},
	}

	for i := range tt {
		tc := tt[i]

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ProcessRows(tc.rows, tc.opts)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestProcessRows_InputUntouched(t *testing.T) {
	t.Parallel()

	rows := []*Row{
		{Values: []string{"shoes"}, PercentageOfTotal: 70},
	}

	_ = ProcessRows(rows, ProcessOptions{Depth: 0, RowDimensions: 2})
	require.Equal(t, 70.0, rows[0].PercentageOfTotal, "cached rows stay in fetch units")
	require.False(t, rows[0].HasChildren)
}

func TestMergeRows(t *testing.T) {
	t.Parallel()

	// Scenario: shoes carries 70% and bags 30% of total with a 60%
	// threshold. The running sum reaches the threshold only after shoes is
	// admitted, so shoes stays and bags is diverted into "Other".
	rows := []*Row{
		{Values: []string{"shoes"}, Metrics: map[string]float64{"clicks": 700}, PercentageOfTotal: 0.7, SearchTermCount: 7, HasChildren: true},
		{Values: []string{"bags"}, Metrics: map[string]float64{"clicks": 300}, PercentageOfTotal: 0.3, SearchTermCount: 3, HasChildren: true},
	}

	got := MergeRows(rows, 60)
	require.Len(t, got, 2)
	require.Equal(t, "shoes", got[0].Key())
	require.Equal(t, &Row{
		Values:            []string{OtherRowLabel},
		Metrics:           map[string]float64{"clicks": 300},
		PercentageOfTotal: 0.3,
		SearchTermCount:   3,
		IsOther:           true,
	}, got[1])
}

func TestMergeRows_Idempotent(t *testing.T) {
	t.Parallel()

	rows := []*Row{
		{Values: []string{"shoes"}, Metrics: map[string]float64{"clicks": 500}, PercentageOfTotal: 0.5},
		{Values: []string{"bags"}, Metrics: map[string]float64{"clicks": 300}, PercentageOfTotal: 0.3},
		{Values: []string{"hats"}, Metrics: map[string]float64{"clicks": 200}, PercentageOfTotal: 0.2},
	}

	once := MergeRows(rows, 50)
	twice := MergeRows(once, 50)
	require.Equal(t, once, twice, "the Other row is never split further")
}

func TestMergeRows_Disabled(t *testing.T) {
	t.Parallel()

	rows := []*Row{
		{Values: []string{"shoes"}, PercentageOfTotal: 0.7},
		{Values: []string{"bags"}, PercentageOfTotal: 0.3},
	}

	require.Equal(t, rows, MergeRows(rows, 0))
}

func TestMergeRows_ThresholdNotReached(t *testing.T) {
	t.Parallel()

	rows := []*Row{
		{Values: []string{"shoes"}, PercentageOfTotal: 0.4},
		{Values: []string{"bags"}, PercentageOfTotal: 0.3},
	}

	got := MergeRows(rows, 90)
	require.Equal(t, rows, got, "no row crosses the threshold, nothing is bucketed")
}
