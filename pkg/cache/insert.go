package cache

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// insert splices points fetched for [start, end) into s. The new entry
// absorbs every entry touching the range; fetched points that fall inside
// an absorbed entry are dropped in favor of the cached ones.
func (c *Cache) insert(stream uuid.UUID, s *series, points []types.Point, start, end timeval.Time) *Entry {
	if !start.Before(end) {
		return s.find(start)
	}

	i, j, startsBefore, endsAfter := locate(s.entries, start, end)
	if i == j && !startsBefore && !endsAfter {
		return s.entries[i]
	}

	newStart, newEnd := start, end
	var before, after []types.Point

	lo := pointIndex(points, start)
	if !startsBefore {
		newStart = s.entries[i].start
		before = s.entries[i].points
		lo = pointIndex(points, s.entries[i].end)
	}

	hi := pointIndex(points, end)
	if !endsAfter {
		newEnd = s.entries[j].end
		after = s.entries[j].points
		hi = pointIndex(points, s.entries[j].start)
	}
	if hi < lo {
		hi = lo
	}

	merged := make([]types.Point, 0, len(before)+hi-lo+len(after))
	merged = append(merged, before...)
	merged = append(merged, points[lo:hi]...)
	merged = append(merged, after...)
	e := newEntry(newStart, newEnd, merged)

	var removed []*Entry
	if j >= i {
		removed = s.entries[i : j+1]
	}

	var removedPoints int
	for _, r := range removed {
		removedPoints += len(r.points)
	}

	entries := make([]*Entry, 0, len(s.entries)-len(removed)+1)
	entries = append(entries, s.entries[:i]...)
	entries = append(entries, e)
	entries = append(entries, s.entries[i+len(removed):]...)
	s.entries = entries

	for _, r := range removed {
		r.evict()
	}

	c.account(stream, int64(len(merged)-removedPoints))
	c.l.Debug("Inserted",
		zap.Stringer("stream", stream),
		zap.Stringer("start", newStart), zap.Stringer("end", newEnd),
		zap.Int("fetched", hi-lo), zap.Int("merged", len(removed)),
	)
	c.check()

	return e
}
