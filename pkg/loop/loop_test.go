package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx) //nolint:errcheck // returns on cancel

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() { got = append(got, 1) })
	l.Post(func() {
		got = append(got, 2)
		l.Post(func() {
			got = append(got, 3)
			wg.Done()
		})
	})
	wg.Wait()

	require.NoError(t, l.Do(ctx, func() { got = append(got, 4) }))
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestLoopTimerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx) //nolint:errcheck // returns on cancel

	fired := make(chan string, 2)
	var stopped Timer
	require.NoError(t, l.Do(ctx, func() {
		stopped = l.AfterFunc(20*time.Millisecond, func() { fired <- "stopped" })
		l.AfterFunc(40*time.Millisecond, func() { fired <- "kept" })
	}))
	require.NoError(t, l.Do(ctx, func() { assert.True(t, stopped.Stop()) }))

	select {
	case name := <-fired:
		assert.Equal(t, "kept", name)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, stopped.Stop())
}

func TestManual(t *testing.T) {
	m := NewManual()

	var got []string
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	a := m.AfterFunc(time.Second, func() {
		got = append(got, "a")
		m.Post(func() { got = append(got, "a-posted") })
	})
	c := m.AfterFunc(3*time.Second, func() { got = append(got, "c") })

	assert.Equal(t, 3, m.Pending())
	assert.True(t, c.Stop())
	assert.False(t, c.Stop())

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a", "a-posted"}, got)
	assert.False(t, a.Stop())

	m.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "a-posted", "b"}, got)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 11500*time.Millisecond, m.Now())
}
