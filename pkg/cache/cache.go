// Package cache implements the two-level plot data cache: for every stream
// and resolution it keeps an ordered sequence of non-overlapping entries,
// fetches only the gaps a query needs, throttles requests while the view is
// moving, and evicts data the view no longer needs.
//
// A Cache is not safe for concurrent use. All methods, and all completions
// delivered by its Source, must run on the goroutine behind its
// loop.Scheduler.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/search"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// Priority selects how a fetch is scheduled.
type Priority int

const (
	// Foreground requests go through the resolution throttle.
	Foreground Priority = iota

	// Background requests are issued immediately and never block
	// foreground ones. Prefetching uses them.
	Background
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "foreground"
}

// errInvalidated is reported for fetches whose target was evicted while they
// were in flight.
var errInvalidated = errors.New("cache range invalidated while fetching")

// Config configures a Cache.
type Config struct {
	QueryLow       timeval.Time  // earliest queryable time
	QueryHigh      timeval.Time  // latest queryable time
	MaxResolution  int           // coarsest resolution the cache will request
	SecondaryDelay time.Duration // debounce for requests at a non-current resolution
	Debug          bool          // validate after every mutation and panic on corruption
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		QueryLow:       timeval.Time{},
		QueryHigh:      timeval.New(3458764513820, 0),
		MaxResolution:  61,
		SecondaryDelay: time.Second,
	}
}

// series is the ordered entry sequence of one (stream, resolution) pair.
type series struct {
	entries []*Entry

	// version is bumped when the series is evicted, so that fetches issued
	// before the eviction do not resurrect it.
	version uint64

	// fetches are the EnsureData calls still waiting for data.
	fetches map[*gapFetch]struct{}
}

// streamData holds all resolutions of one stream.
type streamData struct {
	points int64
	series map[int]*series
}

// Cache is the plot data cache.
type Cache struct {
	l     *zap.Logger
	cfg   Config
	src   source.Source
	queue *requestQueue
	m     *Metrics

	streams   map[uuid.UUID]*streamData
	loaded    int64
	lastTimes map[uuid.UUID]timeval.Time
}

// New creates a new cache fetching from src. Debounce timers are scheduled
// on sched.
func New(cfg Config, src source.Source, sched loop.Scheduler, l *zap.Logger) *Cache {
	if cfg.MaxResolution <= 0 || cfg.MaxResolution > timeval.MaxResolution {
		cfg.MaxResolution = timeval.MaxResolution - 1
	}

	c := &Cache{
		l:         l.Named("cache"),
		cfg:       cfg,
		src:       src,
		m:         newMetrics(),
		streams:   make(map[uuid.UUID]*streamData),
		lastTimes: make(map[uuid.UUID]timeval.Time),
	}
	c.queue = newRequestQueue(c, sched)

	return c
}

// Metrics returns the cache's Prometheus collector.
func (c *Cache) Metrics() *Metrics { return c.m }

// Resolution clamps res to the resolutions the cache serves.
func (c *Cache) Resolution(res int) int {
	switch {
	case res < 0:
		return 0
	case res > c.cfg.MaxResolution:
		return c.cfg.MaxResolution
	default:
		return res
	}
}

// EnsureData makes sure the cache holds data for [start, end] of stream at
// resolution res and calls onReady exactly once with the entry covering it.
//
// Only the gaps not already cached are fetched, one request per gap. If any
// fetch fails or its payload is malformed the error is logged and onReady
// receives the entry that contains start, which may be nil. onReady runs
// synchronously when nothing needs fetching.
func (c *Cache) EnsureData(ctx context.Context, stream uuid.UUID, res int, start, end timeval.Time, prio Priority, onReady func(*Entry)) {
	res = c.Resolution(res)
	start, end = c.bound(start, end)

	s := c.series(stream, res, true)
	if e := s.find(start); e != nil && e.Covers(start, end) {
		onReady(e)
		return
	}

	gaps, i := missing(s.entries, start, end)
	if len(gaps) == 0 {
		onReady(s.entries[i])
		return
	}

	f := &gapFetch{
		c:         c,
		stream:    stream,
		res:       res,
		start:     start,
		series:    s,
		version:   s.version,
		remaining: len(gaps),
		onReady:   onReady,
	}
	if s.fetches == nil {
		s.fetches = make(map[*gapFetch]struct{})
	}
	s.fetches[f] = struct{}{}

	for _, g := range gaps {
		g := g
		req := c.request(stream, res, g)
		c.issue(ctx, req, prio, func(points []types.Point, err error) {
			f.complete(req, g, points, err)
		})
	}
}

// InsertData merges points fetched for [start, end) into the entries of
// (stream, res) and returns the entry containing the result. Points outside
// [start, end) or already covered by existing entries are ignored.
func (c *Cache) InsertData(stream uuid.UUID, res int, points []types.Point, start, end timeval.Time) *Entry {
	res = c.Resolution(res)
	return c.insert(stream, c.series(stream, res, true), points, start, end)
}

// Lookup returns the entry of (stream, res) containing t, or nil.
func (c *Cache) Lookup(stream uuid.UUID, res int, t timeval.Time) *Entry {
	s := c.series(stream, c.Resolution(res), false)
	if s == nil {
		return nil
	}
	return s.find(t)
}

// Stats describes cache usage.
type Stats struct {
	Points  int64
	Bytes   int64
	Entries int
	Streams map[uuid.UUID]int64
}

// Stats returns current usage.
func (c *Cache) Stats() Stats {
	st := Stats{
		Points:  c.loaded,
		Bytes:   c.usage(),
		Streams: make(map[uuid.UUID]int64, len(c.streams)),
	}
	for id, sd := range c.streams {
		st.Streams[id] = sd.points
		for _, s := range sd.series {
			st.Entries += len(s.entries)
		}
	}
	return st
}

// LastTime returns the high-water mark recorded for stream.
func (c *Cache) LastTime(stream uuid.UUID) (timeval.Time, bool) {
	t, ok := c.lastTimes[stream]
	return t, ok
}

func (c *Cache) usage() int64 {
	return c.loaded * types.PointSize
}

// bound clamps a query to the valid range and makes it non-empty.
func (c *Cache) bound(start, end timeval.Time) (timeval.Time, timeval.Time) {
	one := timeval.FromNanos(1)
	start = start.Clamp(c.cfg.QueryLow, c.cfg.QueryHigh.Sub(one))
	end = end.Clamp(start.Add(one), c.cfg.QueryHigh)
	return start, end
}

// request builds the source request for a gap. The archive returns every
// window touching the requested bounds, so the bounds are pulled in by half a
// window on each side.
func (c *Cache) request(stream uuid.UUID, res int, g gap) source.Request {
	start, end := g.start, g.end
	if res > 0 {
		half := timeval.HalfWidth(res)
		start = start.Add(half)
		end = end.Sub(half)
		if end.Before(start) {
			end = start
		}
	}
	return source.Request{
		Stream:     stream,
		Start:      start.Clamp(c.cfg.QueryLow, c.cfg.QueryHigh),
		End:        end.Clamp(c.cfg.QueryLow, c.cfg.QueryHigh),
		Resolution: res,
	}
}

func (c *Cache) issue(ctx context.Context, req source.Request, prio Priority, done func([]types.Point, error)) {
	if prio == Background {
		c.src.Fetch(ctx, req, done)
		return
	}
	c.queue.submit(ctx, req, done)
}

func (c *Cache) series(stream uuid.UUID, res int, create bool) *series {
	sd := c.streams[stream]
	if sd == nil {
		if !create {
			return nil
		}
		sd = &streamData{series: make(map[int]*series)}
		c.streams[stream] = sd
	}

	s := sd.series[res]
	if s == nil && create {
		s = new(series)
		sd.series[res] = s
	}
	return s
}

// account applies a change in the number of cached points.
func (c *Cache) account(stream uuid.UUID, delta int64) {
	if delta == 0 {
		return
	}
	if sd := c.streams[stream]; sd != nil {
		sd.points += delta
	}
	c.loaded += delta
	c.m.points.Set(float64(c.loaded))
}

func (c *Cache) check() {
	if !c.cfg.Debug {
		return
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
}

// gapFetch tracks the fetches issued by one EnsureData call.
type gapFetch struct {
	c       *Cache
	stream  uuid.UUID
	res     int
	start   timeval.Time
	series  *series
	version uint64

	// clip is set when the series was trimmed while fetching; data at or
	// after it is not inserted.
	clip    timeval.Time
	clipped bool

	remaining int
	failed    bool
	last      *Entry
	onReady   func(*Entry)
}

func (f *gapFetch) complete(req source.Request, g gap, points []types.Point, err error) {
	f.remaining--

	c := f.c
	switch {
	case err != nil:
		f.failed = true
		if errors.Is(err, errSuperseded) {
			c.l.Debug("Request superseded", zap.Stringer("request", req))
		} else {
			c.l.Warn("Fetch failed, keeping cached data", zap.Stringer("request", req), zap.Error(err))
			c.m.fetches.WithLabelValues("error").Inc()
		}

	case c.series(f.stream, f.res, false) != f.series || f.series.version != f.version:
		f.failed = true
		c.l.Debug("Discarding fetched data", zap.Stringer("request", req), zap.Error(errInvalidated))
		c.m.fetches.WithLabelValues("discarded").Inc()

	case f.clipped && !g.start.Before(f.clip):
		f.failed = true
		c.l.Debug("Discarding fetched data after trim", zap.Stringer("request", req), zap.Stringer("trim", f.clip))
		c.m.fetches.WithLabelValues("discarded").Inc()

	default:
		end := g.end
		if f.clipped {
			end = timeval.Min(end, f.clip)
		}
		c.m.fetches.WithLabelValues("ok").Inc()
		f.last = c.insert(f.stream, f.series, points, g.start, end)
	}

	if f.remaining > 0 {
		return
	}
	delete(f.series.fetches, f)

	e := f.series.find(f.start)
	if e == nil && !f.failed {
		e = f.last
	}
	f.onReady(e)
}

// gap is a sub-range [start, end) missing from the cache.
type gap struct {
	start, end timeval.Time
}

// locate finds the entries touching [start, end]. i is the first entry that
// ends at or after start, j the last that starts at or before end; j < i
// means no entry touches the range. startsBefore reports that start is not
// inside entry i and endsAfter that end is not inside entry j.
func locate(entries []*Entry, start, end timeval.Time) (i, j int, startsBefore, endsAfter bool) {
	if len(entries) == 0 {
		return 0, -1, true, true
	}

	i = search.Nearest(entries, start, func(e *Entry, t timeval.Time) int { return e.start.Compare(t) })
	if start.Before(entries[i].start) {
		i--
	}
	switch {
	case i < 0:
		i = 0
		startsBefore = true
	case start.After(entries[i].end):
		i++
		startsBefore = true
	}

	j = search.Nearest(entries, end, func(e *Entry, t timeval.Time) int { return e.end.Compare(t) })
	if end.After(entries[j].end) {
		j++
	}
	switch {
	case j == len(entries):
		j--
		endsAfter = true
	case end.Before(entries[j].start):
		j--
		endsAfter = true
	}

	return i, j, startsBefore, endsAfter
}

// missing returns the gaps of [start, end] not covered by entries. When
// there are none, entries[i] covers the whole range.
func missing(entries []*Entry, start, end timeval.Time) ([]gap, int) {
	i, j, startsBefore, endsAfter := locate(entries, start, end)
	if j < i {
		return []gap{{start, end}}, i
	}

	var gaps []gap
	if startsBefore {
		gaps = append(gaps, gap{start, entries[i].start})
	}
	for k := i; k < j; k++ {
		gaps = append(gaps, gap{entries[k].end, entries[k+1].start})
	}
	if endsAfter {
		gaps = append(gaps, gap{entries[j].end, end})
	}
	return gaps, i
}

// find returns the entry containing t, or nil.
func (s *series) find(t timeval.Time) *Entry {
	if s == nil || len(s.entries) == 0 {
		return nil
	}
	k := search.UpperBound(s.entries, t, func(e *Entry, t timeval.Time) int { return e.start.Compare(t) }) - 1
	if k < 0 || t.After(s.entries[k].end) {
		return nil
	}
	return s.entries[k]
}
