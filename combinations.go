package crosstab

// Combinations builds the Cartesian product of the distinct values of every
// column dimension, in row-major order: the last dimension varies fastest.
// The index of a combination in the result is its original column index and
// is stable across repeated calls with the same inputs.
//
// Zero dimensions produce a single empty combination (single-table mode).
// A dimension with no resolved values produces an empty sequence; callers
// must render that as "still resolving", never as a zero-row table.
func Combinations(dimensions []DimensionKey, values map[DimensionKey][]string) []Combination {
	if len(dimensions) == 0 {
		return []Combination{{}}
	}

	total := 1
	for _, dim := range dimensions {
		n := len(values[dim])
		if n == 0 {
			return nil
		}
		total *= n
	}

	combos := make([]Combination, 0, total)
	indices := make([]int, len(dimensions))

	for {
		c := Combination{
			Dimensions: make([]DimensionKey, len(dimensions)),
			Values:     make([]string, len(dimensions)),
		}
		for i, dim := range dimensions {
			c.Dimensions[i] = dim
			c.Values[i] = values[dim][indices[i]]
		}
		combos = append(combos, c)

		// Advance like an odometer, last position first.
		i := len(indices) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(values[dimensions[i]]) {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			return combos
		}
	}
}
