package cache

import (
	"fmt"
	"sort"
)

// Validate checks the cache's structural invariants: entries are non-empty,
// ordered and neither overlap nor touch, points lie inside their entry in
// strictly increasing order, and the point counters match the entries.
//
// Validate never modifies the cache. It is meant for tests and for
// Config.Debug; nothing else depends on it.
func (c *Cache) Validate() error {
	var total int64

	for id, sd := range c.streams {
		var streamPoints int64

		for _, res := range sortedResolutions(sd) {
			s := sd.series[res]
			for k, e := range s.entries {
				if err := validateEntry(e); err != nil {
					return fmt.Errorf("stream %s resolution %d entry %d: %w", id, res, k, err)
				}
				if k > 0 && !s.entries[k-1].end.Before(e.start) {
					return fmt.Errorf("stream %s resolution %d: entry %d [%s, %s) does not follow entry %d ending at %s",
						id, res, k, e.start, e.end, k-1, s.entries[k-1].end)
				}
				streamPoints += int64(len(e.points))
			}
		}

		if streamPoints != sd.points {
			return fmt.Errorf("stream %s: counted %d points, holds %d", id, sd.points, streamPoints)
		}
		total += streamPoints
	}

	if total != c.loaded {
		return fmt.Errorf("counted %d points in total, holds %d", c.loaded, total)
	}

	return nil
}

func validateEntry(e *Entry) error {
	if e == nil {
		return fmt.Errorf("nil entry")
	}
	if !e.start.Before(e.end) {
		return fmt.Errorf("non-positive length [%s, %s)", e.start, e.end)
	}
	for i, p := range e.points {
		if p.Time.Before(e.start) || !p.Time.Before(e.end) {
			return fmt.Errorf("point %d at %s outside [%s, %s)", i, p.Time, e.start, e.end)
		}
		if i > 0 && !e.points[i-1].Time.Before(p.Time) {
			return fmt.Errorf("point %d at %s not after %s", i, p.Time, e.points[i-1].Time)
		}
	}
	return nil
}

func sortedResolutions(sd *streamData) []int {
	rs := make([]int, 0, len(sd.series))
	for r := range sd.series {
		rs = append(rs, r)
	}
	sort.Ints(rs)
	return rs
}
