package cache

import (
	"fmt"

	"github.com/vjranagit/tsplot/pkg/search"
	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// Resource is render-side state derived from an entry, such as vertex buffers.
type Resource interface {
	Free()
}

// Entry is one contiguous, gap-free span [Start, End) of cached points for a
// (stream, resolution) pair. Entries are immutable once published: merges and
// trims replace them with new entries instead of modifying them in place, so
// an entry handed to a renderer stays valid after the cache moves on.
//
// An entry is primary while the plot is drawing it and secondary while the
// cache holds it. Its Resource is freed when it is neither.
type Entry struct {
	start  timeval.Time
	end    timeval.Time
	points []types.Point

	primary   bool
	secondary bool
	resource  Resource
}

func newEntry(start, end timeval.Time, points []types.Point) *Entry {
	if !start.Before(end) {
		panic(fmt.Sprintf("cache: entry with non-positive length [%s, %s)", start, end))
	}
	return &Entry{start: start, end: end, points: points, secondary: true}
}

// Start returns the inclusive start of the entry.
func (e *Entry) Start() timeval.Time { return e.start }

// End returns the exclusive end of the entry.
func (e *Entry) End() timeval.Time { return e.end }

// Points returns the cached points ordered by time. The slice must not be modified.
func (e *Entry) Points() []types.Point { return e.points }

// Len returns the number of cached points.
func (e *Entry) Len() int { return len(e.points) }

// Covers reports whether [start, end] lies within the entry.
func (e *Entry) Covers(start, end timeval.Time) bool {
	return !start.Before(e.start) && !end.After(e.end)
}

// Intersects reports whether the entry touches [start, end].
func (e *Entry) Intersects(start, end timeval.Time) bool {
	return !e.start.After(end) && !e.end.Before(start)
}

// Primary reports whether the entry is referenced by the visible view.
func (e *Entry) Primary() bool { return e.primary }

// Secondary reports whether the entry is still held by the cache.
func (e *Entry) Secondary() bool { return e.secondary }

// SetPrimary marks the entry as drawn or no longer drawn.
func (e *Entry) SetPrimary(v bool) {
	e.primary = v
	e.release()
}

// Attach associates a render resource with the entry, freeing any previous one.
func (e *Entry) Attach(r Resource) {
	if e.resource != nil && e.resource != r {
		e.resource.Free()
	}
	e.resource = r
	e.release()
}

// Resource returns the attached render resource, if any.
func (e *Entry) Resource() Resource { return e.resource }

func (e *Entry) evict() {
	e.secondary = false
	e.release()
}

func (e *Entry) release() {
	if e.primary || e.secondary || e.resource == nil {
		return
	}
	e.resource.Free()
	e.resource = nil
}

// pointIndex returns the index of the first point at or after t.
func pointIndex(points []types.Point, t timeval.Time) int {
	return search.LowerBound(points, t, func(p types.Point, t timeval.Time) int { return p.Time.Compare(t) })
}
