package cache

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// LimitMemory evicts cached data once usage reaches threshold bytes, until
// usage is at most target bytes. Data is dropped in this order:
//
//  1. every stream not in active;
//  2. whole resolutions other than viewRes, farthest from viewRes first,
//     taking one resolution from each active stream in turn;
//  3. entries at viewRes that do not intersect [viewStart, viewEnd],
//     farthest from the view first.
//
// Entries intersecting the view at viewRes are never dropped, so usage may
// stay above target. LimitMemory reports whether anything was evicted.
func (c *Cache) LimitMemory(active []uuid.UUID, viewStart, viewEnd timeval.Time, viewRes int, threshold, target int64) bool {
	before := c.loaded
	if c.usage() < threshold {
		return false
	}

	defer func() {
		freed := before - c.loaded
		c.m.evicted.Add(float64(freed))
		c.l.Info("Evicted cached data",
			zap.String("freed", humanize.IBytes(uint64(freed*types.PointSize))),
			zap.String("usage", humanize.IBytes(uint64(c.usage()))),
			zap.String("target", humanize.IBytes(uint64(target))),
		)
		c.check()
	}()

	isActive := make(map[uuid.UUID]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	for id := range c.streams {
		if !isActive[id] {
			c.dropStream(id)
		}
	}
	if c.usage() <= target {
		return c.loaded < before
	}

	if c.dropResolutions(active, c.Resolution(viewRes), target) {
		return c.loaded < before
	}

	for _, id := range active {
		if c.dropOutsideView(id, c.Resolution(viewRes), viewStart, viewEnd, target) {
			break
		}
	}

	return c.loaded < before
}

// dropResolutions removes non-viewed resolutions round-robin across streams
// and reports whether target was reached.
func (c *Cache) dropResolutions(active []uuid.UUID, viewRes int, target int64) bool {
	candidates := make(map[uuid.UUID][]int, len(active))
	for _, id := range active {
		sd := c.streams[id]
		if sd == nil {
			continue
		}
		var rs []int
		for r := range sd.series {
			if r != viewRes {
				rs = append(rs, r)
			}
		}
		slices.Sort(rs)
		candidates[id] = rs
	}

	for {
		progress := false
		for _, id := range active {
			rs := candidates[id]
			if len(rs) == 0 {
				continue
			}

			var r int
			if viewRes-rs[0] > rs[len(rs)-1]-viewRes {
				r, rs = rs[0], rs[1:]
			} else {
				r, rs = rs[len(rs)-1], rs[:len(rs)-1]
			}
			candidates[id] = rs

			c.dropSeries(id, r)
			progress = true
			if c.usage() <= target {
				return true
			}
		}
		if !progress {
			return false
		}
	}
}

// dropOutsideView removes entries of (stream, viewRes) that do not intersect
// the view and reports whether target was reached.
func (c *Cache) dropOutsideView(stream uuid.UUID, viewRes int, viewStart, viewEnd timeval.Time, target int64) bool {
	s := c.series(stream, viewRes, false)
	if s == nil {
		return false
	}

	type victim struct {
		e        *Entry
		distance timeval.Time
	}
	var victims []victim
	for _, e := range s.entries {
		switch {
		case e.Intersects(viewStart, viewEnd):
		case e.end.Before(viewStart):
			victims = append(victims, victim{e, viewStart.Sub(e.end)})
		default:
			victims = append(victims, victim{e, e.start.Sub(viewEnd)})
		}
	}
	slices.SortFunc(victims, func(a, b victim) int { return b.distance.Compare(a.distance) })

	for _, v := range victims {
		i := slices.Index(s.entries, v.e)
		s.entries = slices.Delete(s.entries, i, i+1)
		v.e.evict()
		c.account(stream, -int64(len(v.e.points)))
		if c.usage() <= target {
			return true
		}
	}
	return false
}

func (c *Cache) dropSeries(stream uuid.UUID, res int) {
	sd := c.streams[stream]
	s := sd.series[res]
	delete(sd.series, res)

	var n int64
	for _, e := range s.entries {
		n += int64(len(e.points))
		e.evict()
	}
	s.entries = nil
	s.version++

	c.account(stream, -n)
	c.l.Debug("Dropped resolution", zap.Stringer("stream", stream), zap.Int("resolution", res))
}

func (c *Cache) dropStream(stream uuid.UUID) {
	sd := c.streams[stream]
	for res := range sd.series {
		c.dropSeries(stream, res)
	}
	delete(c.streams, stream)
	delete(c.lastTimes, stream)

	c.l.Debug("Dropped stream", zap.Stringer("stream", stream))
}
