package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsplot/pkg/source/sourcetest"
	"github.com/vjranagit/tsplot/pkg/types"
)

func bytesOf(points int64) int64 { return points * types.PointSize }

func TestLimitMemory(t *testing.T) {
	c, _, _ := newTestCache(t)

	insert := func(stream uuid.UUID, res int, start, end, step int64) *Entry {
		return c.InsertData(stream, res, sourcetest.Points(ns(start), ns(end), step), ns(start), ns(end))
	}

	view := insert(streamA, 5, 0, 1000, 10)  // 100 points
	near := insert(streamA, 5, 2000, 2500, 10) // 50
	insert(streamA, 5, 9000, 9500, 10)         // 50
	insert(streamA, 0, 0, 100, 1)              // 100
	insert(streamA, 2, 0, 400, 4)              // 100
	insert(streamA, 9, 0, 51200, 512)          // 100
	insert(streamB, 5, 0, 1000, 10)            // 100
	require.Equal(t, int64(600), c.Stats().Points)

	active := []uuid.UUID{streamA}

	assert.False(t, c.LimitMemory(active, ns(0), ns(999), 5, bytesOf(601), 0))
	assert.Equal(t, int64(600), c.Stats().Points)

	// inactive streams first, then the resolution farthest from the view
	assert.True(t, c.LimitMemory(active, ns(0), ns(999), 5, bytesOf(600), bytesOf(400)))
	assert.Equal(t, int64(400), c.Stats().Points)
	assert.NotContains(t, c.Stats().Streams, streamB)
	assert.Nil(t, c.Lookup(streamA, 0, ns(50)))
	assert.NotNil(t, c.Lookup(streamA, 2, ns(50)))
	assert.NotNil(t, c.Lookup(streamA, 9, ns(50)))

	// remaining resolutions, then entries far from the view
	assert.True(t, c.LimitMemory(active, ns(0), ns(999), 5, 0, bytesOf(150)))
	assert.Equal(t, int64(150), c.Stats().Points)
	assert.Nil(t, c.Lookup(streamA, 2, ns(50)))
	assert.Nil(t, c.Lookup(streamA, 9, ns(50)))
	assert.Nil(t, c.Lookup(streamA, 5, ns(9100)))
	assert.Same(t, near, c.Lookup(streamA, 5, ns(2100)))

	// the view itself is never evicted
	assert.True(t, c.LimitMemory(active, ns(0), ns(999), 5, 0, 0))
	assert.Equal(t, int64(100), c.Stats().Points)
	assert.Same(t, view, c.Lookup(streamA, 5, ns(500)))
	assert.Equal(t, 100, view.Len())
	assert.True(t, view.Secondary())
	assert.False(t, near.Secondary())

	assert.False(t, c.LimitMemory(active, ns(0), ns(999), 5, 0, 0))
	require.NoError(t, c.Validate())
}

func TestLimitMemoryAlternatesAcrossStreams(t *testing.T) {
	c, _, _ := newTestCache(t)

	for _, id := range []uuid.UUID{streamA, streamB} {
		for _, res := range []int{1, 4, 12} {
			c.InsertData(id, res, sourcetest.Points(ns(0), ns(100), 1), ns(0), ns(100))
		}
	}

	// res 12 is farthest from 6 in both streams; one of each goes first
	assert.True(t, c.LimitMemory([]uuid.UUID{streamA, streamB}, ns(0), ns(100), 6, 0, bytesOf(400)))
	for _, id := range []uuid.UUID{streamA, streamB} {
		assert.Nil(t, c.Lookup(id, 12, ns(0)))
		assert.NotNil(t, c.Lookup(id, 1, ns(0)))
		assert.NotNil(t, c.Lookup(id, 4, ns(0)))
	}

	// next round: res 1 is farther from 6 than res 4
	assert.True(t, c.LimitMemory([]uuid.UUID{streamA, streamB}, ns(0), ns(100), 6, 0, bytesOf(300)))
	assert.Nil(t, c.Lookup(streamA, 1, ns(0)))
	assert.NotNil(t, c.Lookup(streamB, 1, ns(0)))
}

func TestEvictionDiscardsInFlightData(t *testing.T) {
	ctx := context.Background()
	c, src, _ := newTestCache(t)

	var r ready
	c.EnsureData(ctx, streamB, 0, ns(0), ns(100), Foreground, r.done)
	require.Len(t, src.Calls, 1)

	c.LimitMemory([]uuid.UUID{streamA}, ns(0), ns(100), 0, 0, 0)
	src.Calls[0].Fill(1)

	require.Equal(t, 1, r.calls)
	assert.Nil(t, r.entry)
	assert.Zero(t, c.Stats().Points)
	assert.Nil(t, c.Lookup(streamB, 0, ns(10)))
}
