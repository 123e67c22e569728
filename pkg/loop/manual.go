package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler driven by its caller: posted callbacks
// run on Drain, timers fire on Advance. It is not safe for concurrent use and
// is meant for tests and single-step drivers.
type Manual struct {
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	seq    int
}

// NewManual returns a Manual scheduler at time zero.
func NewManual() *Manual {
	return new(Manual)
}

// Post implements Scheduler.
func (m *Manual) Post(f func()) {
	m.queue = append(m.queue, f)
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration {
	return m.now
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (m *Manual) Pending() int {
	var n int
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Drain runs posted callbacks, including ones they post, until none are left.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		f := m.queue[0]
		m.queue = m.queue[1:]
		f()
	}
}

// Advance moves virtual time forward by d, firing due timers in order and
// draining posted callbacks after each.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	m.Drain()

	for {
		due := m.due(target)
		if due == nil {
			break
		}
		m.now = due.at
		due.done = true
		due.f()
		m.Drain()
	}

	m.now = target
}

func (m *Manual) due(target time.Duration) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at != m.timers[j].at {
			return m.timers[i].at < m.timers[j].at
		}
		return m.timers[i].seq < m.timers[j].seq
	})

	if len(m.timers) == 0 || m.timers[0].at > target {
		return nil
	}
	return m.timers[0]
}

type manualTimer struct {
	at   time.Duration
	seq  int
	f    func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}

// check interfaces
var (
	_ Scheduler = (*Manual)(nil)
)
