// Package loop provides the single logical thread that owns the plot cache.
//
// Every cache and plot operation runs on one goroutine. Network completions
// and timers never touch that state directly; they Post a callback that the
// loop runs later, between other callbacks, so state changes made by one
// callback are never observed half-done by another.
package loop

import (
	"context"
	"sync"
	"time"
)

// Scheduler posts work onto the owning goroutine.
type Scheduler interface {
	// Post queues f to run on the owning goroutine after the current callback.
	Post(f func())

	// AfterFunc queues f to run on the owning goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer; false means the callback already ran or was stopped.
	Stop() bool
}

// Loop is a Scheduler backed by a goroutine running Run.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// New creates a new loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post implements Scheduler. It never blocks, and may be called from any goroutine.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fire() {
				f()
			}
		})
	})
	return t
}

// Run executes posted callbacks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, f := range batch {
			f()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do runs f on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		f()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopTimer makes Stop authoritative: a timer stopped on the loop never runs
// its callback, even if the underlying time.Timer already posted it.
type loopTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}

// check interfaces
var (
	_ Scheduler = (*Loop)(nil)
)
