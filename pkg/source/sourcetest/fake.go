// Package sourcetest provides a source.Source for tests whose requests are
// completed explicitly by the test.
package sourcetest

import (
	"context"

	"github.com/google/uuid"

	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// Call is one recorded Fetch.
type Call struct {
	Request source.Request
	done    func([]types.Point, error)
	settled bool
}

// Done reports whether the call was completed.
func (c *Call) Done() bool { return c.settled }

// Complete delivers points to the caller.
func (c *Call) Complete(points []types.Point) {
	c.finish(points, nil)
}

// Fail delivers err to the caller.
func (c *Call) Fail(err error) {
	c.finish(nil, err)
}

// Fill completes the call with one point every step nanoseconds inside the
// requested range, as the archive would for evenly spaced data.
func (c *Call) Fill(step int64) {
	c.Complete(Points(c.Request.Start, c.Request.End, step))
}

func (c *Call) finish(points []types.Point, err error) {
	if c.settled {
		panic("sourcetest: call completed twice: " + c.Request.String())
	}
	c.settled = true
	c.done(points, err)
}

// Fake records requests. It is not safe for concurrent use.
type Fake struct {
	Calls []*Call

	// LastTimes answers Brackets calls.
	LastTimes map[uuid.UUID]timeval.Time

	// BracketsErr, if set, fails Brackets calls.
	BracketsErr error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{LastTimes: make(map[uuid.UUID]timeval.Time)}
}

// Fetch implements source.Source.
func (f *Fake) Fetch(_ context.Context, req source.Request, done func([]types.Point, error)) {
	f.Calls = append(f.Calls, &Call{Request: req, done: done})
}

// Brackets implements source.Source. It completes synchronously.
func (f *Fake) Brackets(_ context.Context, streams []uuid.UUID, done func(map[uuid.UUID]timeval.Time, error)) {
	if f.BracketsErr != nil {
		done(nil, f.BracketsErr)
		return
	}
	res := make(map[uuid.UUID]timeval.Time, len(streams))
	for _, id := range streams {
		if t, ok := f.LastTimes[id]; ok {
			res[id] = t
		}
	}
	done(res, nil)
}

// Pending returns the calls not yet completed, oldest first.
func (f *Fake) Pending() []*Call {
	var res []*Call
	for _, c := range f.Calls {
		if !c.settled {
			res = append(res, c)
		}
	}
	return res
}

// Last returns the most recent call.
func (f *Fake) Last() *Call {
	if len(f.Calls) == 0 {
		return nil
	}
	return f.Calls[len(f.Calls)-1]
}

// FillAll completes every pending call, including calls issued by the
// completions themselves, with Fill(step).
func (f *Fake) FillAll(step int64) {
	for {
		p := f.Pending()
		if len(p) == 0 {
			return
		}
		for _, c := range p {
			if !c.settled {
				c.Fill(step)
			}
		}
	}
}

// Points returns points at every multiple of step in [start, end).
func Points(start, end timeval.Time, step int64) []types.Point {
	s := timeval.FromNanos(step)
	t := start
	if r := start.UnixNano() % step; r != 0 {
		if r < 0 {
			r += step
		}
		t = start.AddNanos(step - r)
	}

	var res []types.Point
	for ; t.Before(end); t = t.Add(s) {
		v := float64(t.UnixNano() % 1000)
		res = append(res, types.Point{Time: t, Min: v - 1, Mean: v, Max: v + 1, Count: 1})
	}
	return res
}

// check interfaces
var (
	_ source.Source = (*Fake)(nil)
)
