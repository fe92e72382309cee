package replay

import "sort"

// SearchAtOrBefore returns the index of the last row with ts[i] <= x,
// or -1 when every row is after x. Ties resolve to the last matching
// row, i.e. the most recent state at that instant.
func SearchAtOrBefore(ts []int64, x int64) int {
	return sort.Search(len(ts), func(i int) bool { return ts[i] > x }) - 1
}

// SearchFrom returns the index of the first row with ts[i] >= x
// (len(ts) when none).
func SearchFrom(ts []int64, x int64) int {
	return sort.Search(len(ts), func(i int) bool { return ts[i] >= x })
}

// SearchRange returns the half-open index range [i0, i1) of rows with
// lo <= ts[i] <= hi. All rows sharing a boundary timestamp are
// included, preserving input order.
func SearchRange(ts []int64, lo, hi int64) (int, int) {
	i0 := SearchFrom(ts, lo)
	i1 := sort.Search(len(ts), func(i int) bool { return ts[i] > hi })
	if i1 < i0 {
		i1 = i0
	}
	return i0, i1
}

// SnapToBucket rounds ts down to the start of its tfNanos bucket.
func SnapToBucket(ts, tfNanos int64) int64 {
	if tfNanos <= 0 {
		return ts
	}
	return ts - ts%tfNanos
}
