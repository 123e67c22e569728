package search

import (
	"cmp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNearest(t *testing.T) {
	s := []int{0, 5, 6, 7, 10}

	assert.Equal(t, 0, Nearest([]int{}, 3, cmp.Compare[int]))
	assert.Equal(t, 2, Nearest(s, 6, cmp.Compare[int]))

	// Not present: the result is adjacent to the insertion point.
	for _, target := range []int{-1, 1, 4, 5, 8, 11} {
		i := Nearest(s, target, cmp.Compare[int])
		ins := LowerBound(s, target, cmp.Compare[int])
		assert.True(t, i == ins || i == ins-1 || (ins == len(s) && i == len(s)-1), "target %d: got %d, insertion %d", target, i, ins)
		assert.Less(t, i, len(s))
	}
}

func TestNearestKey(t *testing.T) {
	type span struct{ start, end int }
	s := []span{{0, 10}, {20, 30}, {40, 50}}

	i := NearestKey(s, 40, func(e span) int { return e.start })
	assert.Equal(t, 2, i)

	i = NearestKey(s, 25, func(e span) int { return e.start })
	if s[i].start > 25 {
		i--
	}
	assert.Equal(t, 1, i)
}

func TestBounds(t *testing.T) {
	s := []int{1, 2, 2, 2, 3}

	assert.Equal(t, 1, LowerBound(s, 2, cmp.Compare[int]))
	assert.Equal(t, 4, UpperBound(s, 2, cmp.Compare[int]))
	assert.Equal(t, 0, LowerBound(s, 0, cmp.Compare[int]))
	assert.Equal(t, 5, UpperBound(s, 3, cmp.Compare[int]))
}
