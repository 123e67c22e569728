package cache

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/search"
	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// UpdateLastTime records the last time with valid data for stream. Cached
// windows after the previous mark may have been summarized before all of
// their data arrived, so they are trimmed when the mark moves.
func (c *Cache) UpdateLastTime(stream uuid.UUID, t timeval.Time) {
	prev, ok := c.lastTimes[stream]
	c.lastTimes[stream] = t
	if ok && t != prev {
		c.TrimCache(stream, timeval.Min(prev, t))
	}
}

// TrimCache drops cached data of stream after last at every resolution. An
// entry straddling last is replaced by a truncated copy that keeps the
// points at or before last. Fetches in flight still deliver the data they
// got at or before last.
func (c *Cache) TrimCache(stream uuid.UUID, last timeval.Time) {
	sd := c.streams[stream]
	if sd == nil {
		return
	}

	cut := last.AddNanos(1)
	var dropped int64

	for res, s := range sd.series {
		for f := range s.fetches {
			if !f.clipped || cut.Before(f.clip) {
				f.clip, f.clipped = cut, true
			}
		}

		k := search.UpperBound(s.entries, cut, func(e *Entry, t timeval.Time) int { return e.end.Compare(t) })
		if k == len(s.entries) {
			continue
		}

		kept := s.entries[:k:k]
		for _, e := range s.entries[k:] {
			dropped += int64(len(e.points))
			if e.start.Before(cut) {
				n := pointIndex(e.points, cut)
				points := make([]types.Point, n)
				copy(points, e.points[:n])
				kept = append(kept, newEntry(e.start, cut, points))
				dropped -= int64(n)
			}
			e.evict()
		}

		s.entries = kept

		c.l.Debug("Trimmed", zap.Stringer("stream", stream), zap.Int("resolution", res), zap.Stringer("after", last))
	}

	c.account(stream, -dropped)
	c.check()
}
