package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/source/sourcetest"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

var (
	streamA = uuid.MustParse("0a8a5f4c-2a59-4f38-9b2f-3f0d6f3a1c01")
	streamB = uuid.MustParse("0a8a5f4c-2a59-4f38-9b2f-3f0d6f3a1c02")
)

func ns(n int64) timeval.Time { return timeval.FromNanos(n) }

func newTestCache(t *testing.T) (*Cache, *sourcetest.Fake, *loop.Manual) {
	t.Helper()

	src := sourcetest.New()
	sched := loop.NewManual()
	cfg := DefaultConfig()
	cfg.Debug = true

	return New(cfg, src, sched, zaptest.NewLogger(t)), src, sched
}

type ready struct {
	calls int
	entry *Entry
}

func (r *ready) done(e *Entry) {
	r.calls++
	r.entry = e
}

func TestLocate(t *testing.T) {
	entries := []*Entry{
		newEntry(ns(100), ns(200), nil),
		newEntry(ns(300), ns(400), nil),
	}

	for name, tc := range map[string]struct {
		start, end int64
		gaps       []gap
	}{
		"Covered":        {start: 120, end: 180},
		"Between":        {start: 150, end: 350, gaps: []gap{{ns(200), ns(300)}}},
		"Touching":       {start: 200, end: 300, gaps: []gap{{ns(200), ns(300)}}},
		"Everything":     {start: 50, end: 450, gaps: []gap{{ns(50), ns(100)}, {ns(200), ns(300)}, {ns(400), ns(450)}}},
		"InsideGap":      {start: 210, end: 290, gaps: []gap{{ns(210), ns(290)}}},
		"AfterAll":       {start: 450, end: 500, gaps: []gap{{ns(450), ns(500)}}},
		"BeforeAll":      {start: 0, end: 50, gaps: []gap{{ns(0), ns(50)}}},
		"OverlapsFirst":  {start: 50, end: 150, gaps: []gap{{ns(50), ns(100)}}},
		"OverlapsSecond": {start: 350, end: 420, gaps: []gap{{ns(400), ns(420)}}},
	} {
		t.Run(name, func(t *testing.T) {
			gaps, _ := missing(entries, ns(tc.start), ns(tc.end))
			assert.Equal(t, tc.gaps, gaps)
		})
	}

	gaps, i := missing(nil, ns(1), ns(2))
	assert.Equal(t, []gap{{ns(1), ns(2)}}, gaps)
	assert.Zero(t, i)
}

func TestEnsureDataFillsGap(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	existing := c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))
	require.Equal(t, 10, existing.Len())

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(50), ns(200), Foreground, r.done)

	require.Len(t, src.Calls, 1)
	assert.Equal(t, source.Request{Stream: streamA, Start: ns(50), End: ns(100)}, src.Calls[0].Request)
	assert.Zero(t, r.calls)

	// the point at 100 is already cached
	src.Calls[0].Complete(sourcetest.Points(ns(50), ns(101), 10))

	require.Equal(t, 1, r.calls)
	require.NotNil(t, r.entry)
	assert.Equal(t, ns(50), r.entry.Start())
	assert.Equal(t, ns(200), r.entry.End())
	assert.Equal(t, 15, r.entry.Len())
	assert.Equal(t, int64(15), c.Stats().Points)
	assert.Equal(t, 1, c.Stats().Entries)
	assert.False(t, existing.Secondary())
	assert.Equal(t, 10, existing.Len())

	// already covered: no request, synchronous answer
	var again ready
	c.EnsureData(ctx, streamA, 0, ns(60), ns(190), Foreground, again.done)
	assert.Len(t, src.Calls, 1)
	assert.Equal(t, 1, again.calls)
	assert.Same(t, r.entry, again.entry)
}

func TestEnsureDataSeveralGaps(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))
	c.InsertData(streamA, 0, sourcetest.Points(ns(300), ns(400), 10), ns(300), ns(400))

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(50), ns(450), Foreground, r.done)

	require.Len(t, src.Calls, 3)
	assert.Equal(t, ns(50), src.Calls[0].Request.Start)
	assert.Equal(t, ns(100), src.Calls[0].Request.End)
	assert.Equal(t, ns(200), src.Calls[1].Request.Start)
	assert.Equal(t, ns(300), src.Calls[1].Request.End)
	assert.Equal(t, ns(400), src.Calls[2].Request.Start)
	assert.Equal(t, ns(450), src.Calls[2].Request.End)

	// completions may arrive in any order
	src.Calls[2].Fill(10)
	src.Calls[0].Fill(10)
	assert.Zero(t, r.calls)
	assert.Equal(t, 2, c.Stats().Entries)

	src.Calls[1].Fill(10)
	require.Equal(t, 1, r.calls)
	assert.Equal(t, ns(50), r.entry.Start())
	assert.Equal(t, ns(450), r.entry.End())
	assert.Equal(t, 40, r.entry.Len())
	assert.Equal(t, 1, c.Stats().Entries)
	require.NoError(t, c.Validate())
}

func TestEnsureDataFailure(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	existing := c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(150), ns(250), Foreground, r.done)
	require.Len(t, src.Calls, 1)
	src.Calls[0].Fail(source.ErrMalformed)

	require.Equal(t, 1, r.calls)
	assert.Same(t, existing, r.entry)
	assert.Equal(t, int64(10), c.Stats().Points)

	var none ready
	c.EnsureData(ctx, streamA, 0, ns(0), ns(50), Foreground, none.done)
	src.Last().Fail(source.ErrMalformed)
	assert.Equal(t, 1, none.calls)
	assert.Nil(t, none.entry)
}

func TestEnsureDataRequestBounds(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	var r ready
	c.EnsureData(ctx, streamA, 10, ns(-5000), ns(10000), Foreground, r.done)
	require.Len(t, src.Calls, 1)
	assert.Equal(t, source.Request{Stream: streamA, Start: ns(512), End: ns(10000 - 512), Resolution: 10}, src.Calls[0].Request)

	// narrower than a window: the bounds meet
	c.EnsureData(ctx, streamA, 10, ns(20000), ns(20100), Foreground, r.done)
	require.Len(t, src.Calls, 2)
	assert.Equal(t, ns(20512), src.Calls[1].Request.Start)
	assert.Equal(t, ns(20512), src.Calls[1].Request.End)

	// resolutions above the maximum are capped
	c.EnsureData(ctx, streamB, 70, ns(0), ns(10), Background, r.done)
	assert.Equal(t, 61, src.Last().Request.Resolution)

	// gap data is clipped to the gap
	src.Calls[0].Complete(sourcetest.Points(ns(0), ns(20000), 512))
	e := c.Lookup(streamA, 10, ns(5000))
	require.NotNil(t, e)
	assert.Equal(t, ns(0), e.Start())
	assert.Equal(t, ns(10000), e.End())
	assert.Equal(t, 20, e.Len())
}

func TestInsertData(t *testing.T) {
	c, _, _ := newTestCache(t)

	a := c.InsertData(streamA, 3, sourcetest.Points(ns(0), ns(100), 10), ns(0), ns(100))
	b := c.InsertData(streamA, 3, sourcetest.Points(ns(200), ns(300), 10), ns(200), ns(300))
	assert.Equal(t, 2, c.Stats().Entries)

	assert.True(t, a.Covers(ns(0), ns(100)))
	assert.False(t, a.Covers(ns(0), ns(101)))

	// fully covered: unchanged
	assert.Same(t, a, c.InsertData(streamA, 3, sourcetest.Points(ns(10), ns(50), 1), ns(10), ns(50)))

	// bridging overlaps both and keeps the cached points
	m := c.InsertData(streamA, 3, sourcetest.Points(ns(50), ns(250), 5), ns(50), ns(250))
	assert.Equal(t, ns(0), m.Start())
	assert.Equal(t, ns(300), m.End())
	assert.Equal(t, 10+20+10, m.Len())
	assert.Equal(t, int64(40), c.Stats().Points)
	assert.Equal(t, int64(40), c.Stats().Streams[streamA])
	assert.False(t, a.Secondary())
	assert.False(t, b.Secondary())
	assert.True(t, m.Secondary())

	// adjacent ranges merge
	n := c.InsertData(streamA, 3, sourcetest.Points(ns(300), ns(310), 10), ns(300), ns(310))
	assert.Equal(t, ns(0), n.Start())
	assert.Equal(t, ns(310), n.End())
	assert.Equal(t, 1, c.Stats().Entries)
	require.NoError(t, c.Validate())
}

func TestThrottleDefersOtherResolutions(t *testing.T) {
	ctx := context.Background()
	c, src, sched := newTestCache(t)

	var first, second, third ready
	c.EnsureData(ctx, streamA, 3, ns(0), ns(1000), Foreground, first.done)
	require.Len(t, src.Calls, 1)

	c.EnsureData(ctx, streamA, 5, ns(0), ns(1000), Foreground, second.done)
	assert.Len(t, src.Calls, 1)
	assert.Equal(t, 1, sched.Pending())

	sched.Advance(500 * time.Millisecond)
	assert.Len(t, src.Calls, 1)

	// a third resolution replaces the deferred one
	c.EnsureData(ctx, streamA, 7, ns(0), ns(1000), Foreground, third.done)
	assert.Len(t, src.Calls, 1)
	assert.Equal(t, 1, second.calls)
	assert.Nil(t, second.entry)
	assert.Equal(t, 1, sched.Pending())

	sched.Advance(999 * time.Millisecond)
	assert.Len(t, src.Calls, 1)

	sched.Advance(time.Millisecond)
	require.Len(t, src.Calls, 2)
	assert.Equal(t, 7, src.Calls[1].Request.Resolution)

	src.Calls[1].Fill(128)
	assert.Equal(t, 1, third.calls)
	assert.NotNil(t, third.entry)

	src.Calls[0].Fill(8)
	assert.Equal(t, 1, first.calls)
	assert.Len(t, src.Calls, 2)
	assert.Zero(t, sched.Pending())
}

func TestThrottlePromotesOnCompletion(t *testing.T) {
	ctx := context.Background()
	c, src, sched := newTestCache(t)

	var r ready
	c.EnsureData(ctx, streamA, 3, ns(0), ns(1000), Foreground, r.done)
	c.EnsureData(ctx, streamA, 5, ns(0), ns(1000), Foreground, r.done)
	require.Len(t, src.Calls, 1)

	src.Calls[0].Fill(8)
	require.Len(t, src.Calls, 2)
	assert.Equal(t, 5, src.Calls[1].Request.Resolution)
	assert.Zero(t, sched.Pending())

	// the promoted resolution is now current: requests join it
	c.EnsureData(ctx, streamA, 5, ns(5000), ns(6000), Foreground, r.done)
	assert.Len(t, src.Calls, 3)

	c.EnsureData(ctx, streamA, 3, ns(5000), ns(6000), Foreground, r.done)
	assert.Len(t, src.Calls, 3)
	assert.Equal(t, 1, sched.Pending())

	src.Calls[1].Fill(32)
	assert.Len(t, src.Calls, 3)
	src.Calls[2].Fill(32)
	require.Len(t, src.Calls, 4)
	assert.Equal(t, 3, src.Calls[3].Request.Resolution)
	assert.Zero(t, sched.Pending())
}

func TestThrottlePromotesBeforeReentrantRequest(t *testing.T) {
	ctx := context.Background()
	c, src, sched := newTestCache(t)

	var first, deferred, inner ready
	c.EnsureData(ctx, streamA, 3, ns(0), ns(1000), Foreground, func(e *Entry) {
		first.done(e)
		c.EnsureData(ctx, streamB, 5, ns(0), ns(1000), Foreground, inner.done)
	})
	c.EnsureData(ctx, streamA, 5, ns(0), ns(1000), Foreground, deferred.done)
	require.Len(t, src.Calls, 1)
	require.Equal(t, 1, sched.Pending())

	src.Calls[0].Fill(8)
	require.Equal(t, 1, first.calls)

	// the waiting request goes out with the re-entrant one, not after its timer
	require.Len(t, src.Calls, 3)
	assert.Equal(t, streamA, src.Calls[1].Request.Stream)
	assert.Equal(t, 5, src.Calls[1].Request.Resolution)
	assert.Equal(t, streamB, src.Calls[2].Request.Stream)
	assert.Equal(t, 5, src.Calls[2].Request.Resolution)
	assert.Zero(t, sched.Pending())

	src.Calls[1].Fill(32)
	src.Calls[2].Fill(32)
	assert.Equal(t, 1, deferred.calls)
	assert.NotNil(t, deferred.entry)
	assert.Equal(t, 1, inner.calls)
	assert.NotNil(t, inner.entry)
}

func TestBackgroundBypassesThrottle(t *testing.T) {
	ctx := context.Background()
	c, src, sched := newTestCache(t)

	var r ready
	c.EnsureData(ctx, streamA, 3, ns(0), ns(1000), Foreground, r.done)
	c.EnsureData(ctx, streamA, 9, ns(0), ns(10000), Background, r.done)
	assert.Len(t, src.Calls, 2)
	assert.Zero(t, sched.Pending())
}

func TestReentrantEnsureData(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	var inner ready
	var outer ready
	c.EnsureData(ctx, streamA, 0, ns(0), ns(100), Foreground, func(e *Entry) {
		outer.done(e)
		c.EnsureData(ctx, streamA, 0, ns(100), ns(200), Foreground, inner.done)
	})

	src.Calls[0].Fill(10)
	require.Equal(t, 1, outer.calls)
	require.Len(t, src.Calls, 2)
	assert.Equal(t, ns(100), src.Calls[1].Request.Start)

	src.Calls[1].Fill(10)
	require.Equal(t, 1, inner.calls)
	assert.Equal(t, ns(0), inner.entry.Start())
	assert.Equal(t, ns(200), inner.entry.End())
	require.NoError(t, c.Validate())
}

func TestTrimCache(t *testing.T) {
	c, _, _ := newTestCache(t)

	c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))
	c.InsertData(streamA, 0, sourcetest.Points(ns(300), ns(400), 10), ns(300), ns(400))
	c.InsertData(streamA, 4, sourcetest.Points(ns(0), ns(1000), 16), ns(0), ns(1000))
	straddling := c.Lookup(streamA, 0, ns(150))

	c.TrimCache(streamA, ns(150))

	e := c.Lookup(streamA, 0, ns(120))
	require.NotNil(t, e)
	assert.NotSame(t, straddling, e)
	assert.Equal(t, ns(100), e.Start())
	assert.Equal(t, ns(151), e.End())
	require.Equal(t, 6, e.Len())
	assert.Equal(t, ns(150), e.Points()[5].Time)

	assert.False(t, straddling.Secondary())
	assert.Equal(t, 10, straddling.Len())
	assert.Nil(t, c.Lookup(streamA, 0, ns(350)))

	coarse := c.Lookup(streamA, 4, ns(0))
	require.NotNil(t, coarse)
	assert.Equal(t, ns(151), coarse.End())
	assert.Equal(t, 10, coarse.Len())

	assert.Equal(t, int64(16), c.Stats().Points)
	require.NoError(t, c.Validate())

	// unknown streams are ignored
	c.TrimCache(streamB, ns(0))
}

func TestUpdateLastTime(t *testing.T) {
	c, _, _ := newTestCache(t)

	c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))

	c.UpdateLastTime(streamA, ns(150))
	assert.NotNil(t, c.Lookup(streamA, 0, ns(180)))

	c.UpdateLastTime(streamA, ns(150))
	assert.NotNil(t, c.Lookup(streamA, 0, ns(180)))

	c.UpdateLastTime(streamA, ns(170))
	assert.Nil(t, c.Lookup(streamA, 0, ns(180)))
	assert.Equal(t, 6, c.Lookup(streamA, 0, ns(100)).Len())

	last, ok := c.LastTime(streamA)
	assert.True(t, ok)
	assert.Equal(t, ns(170), last)
}

func TestTrimClipsInFlightData(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(100), ns(300), Foreground, r.done)
	require.Len(t, src.Calls, 1)

	c.TrimCache(streamA, ns(250))
	src.Calls[0].Fill(10)

	require.Equal(t, 1, r.calls)
	require.NotNil(t, r.entry)
	assert.Equal(t, ns(100), r.entry.Start())
	assert.Equal(t, ns(251), r.entry.End())
	assert.Equal(t, ns(250), r.entry.Points()[r.entry.Len()-1].Time)
	assert.Equal(t, int64(16), c.Stats().Points)
	require.NoError(t, c.Validate())
}

func TestTrimDiscardsFetchAfterCut(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(300), ns(400), Foreground, r.done)
	require.Len(t, src.Calls, 1)

	c.TrimCache(streamA, ns(250))
	src.Calls[0].Fill(10)

	require.Equal(t, 1, r.calls)
	assert.Nil(t, r.entry)
	assert.Zero(t, c.Stats().Points)
}

func TestAdvancingMarkKeepsEarlierFetch(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	c.UpdateLastTime(streamA, ns(5000))

	var r ready
	c.EnsureData(ctx, streamA, 0, ns(100), ns(200), Foreground, r.done)
	require.Len(t, src.Calls, 1)

	c.UpdateLastTime(streamA, ns(6000))
	src.Calls[0].Fill(10)

	require.Equal(t, 1, r.calls)
	require.NotNil(t, r.entry)
	assert.Equal(t, ns(100), r.entry.Start())
	assert.Equal(t, ns(200), r.entry.End())
	assert.Equal(t, 10, r.entry.Len())
	assert.Same(t, r.entry, c.Lookup(streamA, 0, ns(150)))
	assert.Equal(t, int64(10), c.Stats().Points)
}

type fakeResource struct {
	freed int
}

func (r *fakeResource) Free() { r.freed++ }

func TestEntryResources(t *testing.T) {
	c, _, _ := newTestCache(t)

	e := c.InsertData(streamA, 0, sourcetest.Points(ns(100), ns(200), 10), ns(100), ns(200))
	old := new(fakeResource)
	e.Attach(old)
	res := new(fakeResource)
	e.Attach(res)
	assert.Equal(t, 1, old.freed)

	e.SetPrimary(true)
	c.TrimCache(streamA, ns(0))
	assert.False(t, e.Secondary())
	assert.Zero(t, res.freed)
	assert.Same(t, res, e.Resource())

	e.SetPrimary(false)
	assert.Equal(t, 1, res.freed)
	assert.Nil(t, e.Resource())
}

func TestNegativeLengthEntryPanics(t *testing.T) {
	assert.Panics(t, func() { newEntry(ns(10), ns(10), nil) })
}
