// Package plot connects a visible time domain to the cache: it picks the
// resolution for the current zoom, asks the cache for the visible data,
// swaps the drawn entries when every stream has answered and prefetches
// around the view in the background.
//
// Like the cache, a Plot must only be used from its loop goroutine.
package plot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/ticks"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

// Renderer draws cache entries. It never sees partial updates: Render
// receives the complete set of entries for one view.
type Renderer interface {
	// PixelWidth returns the width of the drawing area.
	PixelWidth() int

	// Render draws entries at resolution res. A stream whose data could not
	// be fetched maps to nil.
	Render(res int, entries map[uuid.UUID]*cache.Entry)
}

// Config configures a Plot.
type Config struct {
	PrefetchDelay   time.Duration // wait after a draw before prefetching
	LimitEvery      int           // call LimitMemory every N updates; 0 disables
	MemoryThreshold int64         // bytes
	MemoryTarget    int64         // bytes
}

// DefaultConfig returns default plot configuration
func DefaultConfig() Config {
	return Config{
		PrefetchDelay:   time.Second,
		LimitEvery:      10,
		MemoryThreshold: 150 << 20,
		MemoryTarget:    100 << 20,
	}
}

// Plot orchestrates data for one plotting surface.
type Plot struct {
	l     *zap.Logger
	cfg   Config
	cache *cache.Cache
	src   source.Source
	sched loop.Scheduler
	r     Renderer

	streams    []uuid.UUID
	start, end timeval.Time
	width      int
	widthStale bool
	res        int

	generation uint64
	updates    int
	primary    map[uuid.UUID]*cache.Entry
	prefetch   loop.Timer
}

// New creates a new plot. Bracket requests go to src; data requests go
// through c.
func New(cfg Config, c *cache.Cache, src source.Source, sched loop.Scheduler, r Renderer, l *zap.Logger) *Plot {
	return &Plot{
		l:          l.Named("plot"),
		cfg:        cfg,
		cache:      c,
		src:        src,
		sched:      sched,
		r:          r,
		widthStale: true,
		primary:    make(map[uuid.UUID]*cache.Entry),
	}
}

// SetStreams sets the plotted streams. It takes effect on the next Update.
func (p *Plot) SetStreams(streams []uuid.UUID) {
	p.streams = append([]uuid.UUID(nil), streams...)
}

// SetDomain sets the visible time range. It takes effect on the next Update.
func (p *Plot) SetDomain(start, end timeval.Time) {
	p.start, p.end = start, end
}

// Resize marks the pixel width as stale; it is read again on the next Update.
func (p *Plot) Resize() {
	p.widthStale = true
}

// Domain returns the visible time range.
func (p *Plot) Domain() (timeval.Time, timeval.Time) { return p.start, p.end }

// Resolution returns the resolution chosen by the last Update.
func (p *Plot) Resolution() int { return p.res }

// Generation returns the number of updates started so far.
func (p *Plot) Generation() uint64 { return p.generation }

// Primary returns the entries currently drawn.
func (p *Plot) Primary() map[uuid.UUID]*cache.Entry {
	res := make(map[uuid.UUID]*cache.Entry, len(p.primary))
	for id, e := range p.primary {
		res[id] = e
	}
	return res
}

// Ticks returns time-axis ticks for the visible range.
func (p *Plot) Ticks(max int) []ticks.Tick {
	return ticks.ForTime(p.start, p.end, max)
}

// Update fetches data for the current view and renders it once every stream
// has answered. Answers to earlier updates that arrive later are dropped.
func (p *Plot) Update(ctx context.Context) {
	p.generation++
	gen := p.generation

	if p.prefetch != nil {
		p.prefetch.Stop()
		p.prefetch = nil
	}

	if p.widthStale || p.width <= 0 {
		p.width = p.r.PixelWidth()
		p.widthStale = false
	}
	p.res = p.resolution()
	v := view{gen: gen, res: p.res, start: p.start, end: p.end, streams: p.streams}

	p.updates++
	if p.cfg.LimitEvery > 0 && p.updates%p.cfg.LimitEvery == 0 {
		p.cache.LimitMemory(p.streams, p.start, p.end, p.res, p.cfg.MemoryThreshold, p.cfg.MemoryTarget)
	}

	if len(p.streams) == 0 {
		p.swap(make(map[uuid.UUID]*cache.Entry))
		return
	}

	entries := make(map[uuid.UUID]*cache.Entry, len(p.streams))
	remaining := len(p.streams)
	for _, id := range p.streams {
		id := id
		p.cache.EnsureData(ctx, id, p.res, p.start, p.end, cache.Foreground, func(e *cache.Entry) {
			if gen != p.generation {
				p.l.Debug("Dropping stale answer", zap.Uint64("generation", gen), zap.Uint64("current", p.generation))
				return
			}

			entries[id] = e
			remaining--
			if remaining > 0 {
				return
			}

			p.swap(entries)
			p.schedulePrefetch(ctx, v)
		})
	}
}

// QuickUpdate renders the current entries again without touching the cache.
func (p *Plot) QuickUpdate() {
	p.r.Render(p.res, p.Primary())
}

// RefreshBrackets asks the source for the last valid time of every plotted
// stream and lets the cache invalidate data summarized before it.
func (p *Plot) RefreshBrackets(ctx context.Context) {
	if len(p.streams) == 0 {
		return
	}

	p.src.Brackets(ctx, p.streams, func(last map[uuid.UUID]timeval.Time, err error) {
		if err != nil {
			p.l.Warn("Failed to refresh brackets", zap.Error(err))
			return
		}
		for id, t := range last {
			p.cache.UpdateLastTime(id, t)
		}
	})
}

// resolution picks the resolution whose windows are about one pixel wide.
func (p *Plot) resolution() int {
	width := p.width
	if width <= 0 {
		width = 1
	}
	span := p.end.Sub(p.start)
	return p.cache.Resolution(timeval.ResolutionForSpan(span.Mul(1 / float64(width))))
}

// swap makes entries the drawn set and renders it.
func (p *Plot) swap(entries map[uuid.UUID]*cache.Entry) {
	for id, e := range p.primary {
		if e != nil && entries[id] != e {
			e.SetPrimary(false)
		}
	}
	for _, e := range entries {
		if e != nil {
			e.SetPrimary(true)
		}
	}
	p.primary = entries

	p.r.Render(p.res, p.Primary())
}
