package fusion

import "sort"

// iqrBounds computes the Tukey fence for a price set. Requires at
// least 3 values; below that every value is kept.
func iqrBounds(prices []float64) (low, high float64, ok bool) {
	if len(prices) < 3 {
		return 0, 0, false
	}

	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)

	n := len(sorted)
	q1 := sorted[n/4]
	q3 := sorted[(n*3)/4]
	iqr := q3 - q1

	return q1 - 1.5*iqr, q3 + 1.5*iqr, true
}

// filterOutliers splits quotes into kept and removed using the IQR
// fence over their prices. With fewer than 3 quotes nothing is removed.
func filterOutliers[T any](items []T, price func(T) float64) (kept, removed []T) {
	prices := make([]float64, len(items))
	for i, it := range items {
		prices[i] = price(it)
	}

	low, high, ok := iqrBounds(prices)
	if !ok {
		return items, nil
	}

	for i, it := range items {
		if prices[i] < low || prices[i] > high {
			removed = append(removed, it)
		} else {
			kept = append(kept, it)
		}
	}

	// Degenerate fence that rejects everything keeps everything instead.
	if len(kept) == 0 {
		return items, nil
	}
	return kept, removed
}
