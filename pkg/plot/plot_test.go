package plot

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/source/sourcetest"
	"github.com/vjranagit/tsplot/pkg/ticks"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

var (
	streamA = uuid.MustParse("6d1b2f64-9b3e-4d8e-a6a0-5a3c1e9f7a01")
	streamB = uuid.MustParse("6d1b2f64-9b3e-4d8e-a6a0-5a3c1e9f7a02")
)

func ns(n int64) timeval.Time { return timeval.FromNanos(n) }

type render struct {
	res     int
	entries map[uuid.UUID]*cache.Entry
}

type fakeRenderer struct {
	width   int
	renders []render
}

func (r *fakeRenderer) PixelWidth() int { return r.width }

func (r *fakeRenderer) Render(res int, entries map[uuid.UUID]*cache.Entry) {
	r.renders = append(r.renders, render{res, entries})
}

type setup struct {
	plot  *Plot
	cache *cache.Cache
	src   *sourcetest.Fake
	sched *loop.Manual
	r     *fakeRenderer
}

func newSetup(t *testing.T, cfg Config) *setup {
	t.Helper()

	l := zaptest.NewLogger(t)
	src := sourcetest.New()
	sched := loop.NewManual()

	ccfg := cache.DefaultConfig()
	ccfg.Debug = true
	c := cache.New(ccfg, src, sched, l)

	r := &fakeRenderer{width: 1000}
	return &setup{
		plot:  New(cfg, c, src, sched, r, l),
		cache: c,
		src:   src,
		sched: sched,
		r:     r,
	}
}

func TestUpdateRendersWhenAllStreamsAnswer(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA, streamB})
	s.plot.SetDomain(ns(0), ns(1_000_000))
	s.plot.Update(ctx)

	// 1000 ns per pixel
	assert.Equal(t, 10, s.plot.Resolution())
	require.Len(t, s.src.Calls, 2)
	assert.Equal(t, 10, s.src.Calls[0].Request.Resolution)

	s.src.Calls[0].Fill(1024)
	assert.Empty(t, s.r.renders)

	s.src.Calls[1].Fill(1024)
	require.Len(t, s.r.renders, 1)
	got := s.r.renders[0]
	assert.Equal(t, 10, got.res)
	require.Len(t, got.entries, 2)
	for _, id := range []uuid.UUID{streamA, streamB} {
		e := got.entries[id]
		require.NotNil(t, e)
		assert.True(t, e.Primary())
		assert.Equal(t, ns(0), e.Start())
		assert.Equal(t, ns(1_000_000), e.End())
	}

	assert.Equal(t, 1, s.sched.Pending(), "prefetch scheduled")

	s.plot.QuickUpdate()
	require.Len(t, s.r.renders, 2)
	assert.Equal(t, got.entries, s.r.renders[1].entries)
}

func TestStaleAnswersAreDropped(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.SetDomain(ns(0), ns(1_000_000))
	s.plot.Update(ctx)

	s.plot.SetDomain(ns(5_000_000), ns(6_000_000))
	s.plot.Update(ctx)
	assert.Equal(t, uint64(2), s.plot.Generation())
	require.Len(t, s.src.Calls, 2)

	s.src.Calls[1].Fill(1024)
	require.Len(t, s.r.renders, 1)
	current := s.plot.Primary()[streamA]
	require.NotNil(t, current)
	assert.Equal(t, ns(5_000_000), current.Start())

	// the slow answer to the first update arrives last
	s.src.Calls[0].Fill(1024)
	assert.Len(t, s.r.renders, 1)
	assert.Same(t, current, s.plot.Primary()[streamA])
}

func TestSwapUpdatesPrimaryFlags(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.SetDomain(ns(0), ns(1_000_000))
	s.plot.Update(ctx)
	s.src.Last().Fill(1024)
	first := s.plot.Primary()[streamA]
	require.NotNil(t, first)

	s.plot.SetDomain(ns(10_000_000), ns(11_000_000))
	s.plot.Update(ctx)
	s.src.Last().Fill(1024)
	second := s.plot.Primary()[streamA]
	require.NotNil(t, second)

	assert.NotSame(t, first, second)
	assert.False(t, first.Primary())
	assert.True(t, second.Primary())

	// an update served entirely from the cache renders synchronously
	calls := len(s.src.Calls)
	s.plot.SetDomain(ns(10_100_000), ns(10_900_000))
	s.plot.Resize()
	s.r.width = 800
	s.plot.Update(ctx)
	assert.Len(t, s.src.Calls, calls)
	assert.Len(t, s.r.renders, 3)
	assert.Same(t, second, s.plot.Primary()[streamA])
	assert.True(t, second.Primary())
}

func TestPrefetch(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.SetDomain(ns(1_000_000), ns(2_000_000))
	s.plot.Update(ctx)
	s.src.Last().Fill(1024)
	require.Len(t, s.src.Calls, 1)

	s.sched.Advance(999 * time.Millisecond)
	assert.Len(t, s.src.Calls, 1)

	s.sched.Advance(time.Millisecond)
	require.Len(t, s.src.Calls, 3)
	left, right := s.src.Calls[1].Request, s.src.Calls[2].Request
	assert.Equal(t, 10, left.Resolution)
	assert.Equal(t, ns(512), left.Start)
	assert.Equal(t, ns(1_000_000-512), left.End)
	assert.Equal(t, ns(2_000_000+512), right.Start)
	assert.Equal(t, ns(3_000_000-512), right.End)

	s.src.FillAll(1000)

	var resolutions []int
	for _, c := range s.src.Calls {
		resolutions = append(resolutions, c.Request.Resolution)
	}
	assert.Equal(t, []int{10, 10, 10, 9, 11, 8, 12}, resolutions)

	// prefetching never renders
	assert.Len(t, s.r.renders, 1)

	e := s.cache.Lookup(streamA, 12, ns(1_500_000))
	require.NotNil(t, e)
	assert.Equal(t, ns(0), e.Start())
	assert.Equal(t, ns(3_000_000), e.End())
}

func TestPrefetchUsesDrawnDomain(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.SetDomain(ns(1_000_000), ns(2_000_000))
	s.plot.Update(ctx)
	s.src.Last().Fill(1024)

	// not drawn yet
	s.plot.SetDomain(ns(50_000_000), ns(60_000_000))

	s.sched.Advance(time.Second)
	require.Len(t, s.src.Calls, 3)
	left, right := s.src.Calls[1].Request, s.src.Calls[2].Request
	assert.Equal(t, 10, left.Resolution)
	assert.Equal(t, ns(512), left.Start)
	assert.Equal(t, ns(1_000_000-512), left.End)
	assert.Equal(t, ns(2_000_000+512), right.Start)
	assert.Equal(t, ns(3_000_000-512), right.End)
}

func TestPrefetchStopsOnNewUpdate(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.SetDomain(ns(1_000_000), ns(2_000_000))
	s.plot.Update(ctx)
	s.src.Last().Fill(1024)

	s.sched.Advance(time.Second)
	require.Len(t, s.src.Calls, 3)

	// the view moves while the sides are loading
	s.plot.SetDomain(ns(50_000_000), ns(51_000_000))
	s.plot.Update(ctx)
	require.Len(t, s.src.Calls, 4)

	s.src.Calls[1].Fill(1000)
	s.src.Calls[2].Fill(1000)
	assert.Len(t, s.src.Calls, 4)
	assert.Zero(t, s.sched.Pending())
}

func TestUpdateLimitsMemory(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LimitEvery = 2
	cfg.MemoryThreshold = 0
	cfg.MemoryTarget = 0
	s := newSetup(t, cfg)

	s.plot.SetStreams([]uuid.UUID{streamA, streamB})
	s.plot.SetDomain(ns(0), ns(1_000_000))
	s.plot.Update(ctx)
	s.src.FillAll(1024)
	require.Contains(t, s.cache.Stats().Streams, streamB)

	s.plot.SetStreams([]uuid.UUID{streamA})
	s.plot.Update(ctx)
	assert.NotContains(t, s.cache.Stats().Streams, streamB)
	assert.Contains(t, s.cache.Stats().Streams, streamA)
}

func TestUpdateWithoutStreams(t *testing.T) {
	s := newSetup(t, DefaultConfig())

	s.plot.SetDomain(ns(0), ns(1_000_000))
	s.plot.Update(context.Background())

	require.Len(t, s.r.renders, 1)
	assert.Empty(t, s.r.renders[0].entries)
	assert.Empty(t, s.src.Calls)
}

func TestRefreshBrackets(t *testing.T) {
	s := newSetup(t, DefaultConfig())

	s.plot.SetStreams([]uuid.UUID{streamA, streamB})
	s.src.LastTimes[streamA] = ns(123)
	s.plot.RefreshBrackets(context.Background())

	last, ok := s.cache.LastTime(streamA)
	assert.True(t, ok)
	assert.Equal(t, ns(123), last)

	_, ok = s.cache.LastTime(streamB)
	assert.False(t, ok)
}

func TestTicks(t *testing.T) {
	s := newSetup(t, DefaultConfig())

	day := int64(24 * time.Hour)
	start := timeval.FromTime(time.Date(2015, time.July, 4, 0, 0, 0, 0, time.UTC))
	s.plot.SetDomain(start, start.AddNanos(2*day))

	got := s.plot.Ticks(7)
	require.NotEmpty(t, got)
	for _, tick := range got {
		assert.Equal(t, ticks.Day, tick.Granularity)
	}
}
