// Package search provides binary searches over sorted slices.
package search

import (
	"cmp"
	"sort"
)

// Nearest performs a binary search on s, which must be sorted ascending with
// respect to compare. It returns the index of an element equal to target if
// there is one; otherwise it returns one of the two indices adjacent to where
// target would be inserted, so callers must check the element at the returned
// index and step by one if needed. Nearest returns 0 for an empty slice.
func Nearest[T, K any](s []T, target K, compare func(T, K) int) int {
	low, high := 0, len(s)-1
	for low < high {
		i := int(uint(low+high) >> 1)
		switch c := compare(s[i], target); {
		case c < 0:
			low = i + 1
		case c > 0:
			high = i - 1
		default:
			return i
		}
	}
	if low < 0 {
		return 0
	}
	return low
}

// NearestKey is Nearest with an ordered key extracted by key.
func NearestKey[T any, K cmp.Ordered](s []T, target K, key func(T) K) int {
	return Nearest(s, target, func(e T, t K) int { return cmp.Compare(key(e), t) })
}

// LowerBound returns the first index i such that compare(s[i], target) >= 0,
// or len(s) if there is none.
func LowerBound[T, K any](s []T, target K, compare func(T, K) int) int {
	return sort.Search(len(s), func(i int) bool { return compare(s[i], target) >= 0 })
}

// UpperBound returns the first index i such that compare(s[i], target) > 0,
// or len(s) if there is none.
func UpperBound[T, K any](s []T, target K, compare func(T, K) int) int {
	return sort.Search(len(s), func(i int) bool { return compare(s[i], target) > 0 })
}
