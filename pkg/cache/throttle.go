package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/types"
)

// errSuperseded completes deferred requests replaced by a request at another
// resolution.
var errSuperseded = errors.New("superseded by a request at another resolution")

// requestQueue lets requests at one resolution proceed at a time.
//
// Requests at the current resolution are sent at once. Requests at any other
// resolution wait for the debounce delay; if yet another resolution is
// requested meanwhile, the waiting ones are dropped. When the last request at
// the current resolution completes, the waiting requests become current and
// are sent without further delay.
type requestQueue struct {
	c     *Cache
	sched loop.Scheduler

	current int
	pending int

	secondary int
	deferred  []*deferredRequest
}

type deferredRequest struct {
	ctx   context.Context
	req   source.Request
	done  func([]types.Point, error)
	timer loop.Timer
}

func newRequestQueue(c *Cache, sched loop.Scheduler) *requestQueue {
	return &requestQueue{c: c, sched: sched}
}

func (q *requestQueue) submit(ctx context.Context, req source.Request, done func([]types.Point, error)) {
	if q.pending == 0 {
		// a completion handler may submit before the waiting requests were
		// promoted
		q.promote()
	}
	if q.pending == 0 {
		q.current = req.Resolution
	}

	if req.Resolution == q.current {
		q.pending++
		q.send(ctx, req, done)
		return
	}

	// completions run by supersede may defer new requests
	for len(q.deferred) > 0 && q.secondary != req.Resolution {
		q.supersede()
	}
	q.secondary = req.Resolution

	d := &deferredRequest{ctx: ctx, req: req, done: done}
	d.timer = q.sched.AfterFunc(q.c.cfg.SecondaryDelay, func() { q.fire(d) })
	q.deferred = append(q.deferred, d)

	q.c.m.deferred.WithLabelValues("deferred").Inc()
	q.c.l.Debug("Deferred request", zap.Stringer("request", req), zap.Int("current", q.current))
}

// send issues a request at the current resolution.
func (q *requestQueue) send(ctx context.Context, req source.Request, done func([]types.Point, error)) {
	q.c.src.Fetch(ctx, req, func(points []types.Point, err error) {
		q.pending--
		done(points, err)
		if q.pending == 0 {
			q.promote()
		}
	})
}

// fire issues a deferred request whose debounce elapsed. It does not count
// towards the current resolution.
func (q *requestQueue) fire(d *deferredRequest) {
	if !q.remove(d) {
		return
	}
	q.c.m.deferred.WithLabelValues("fired").Inc()
	q.c.src.Fetch(d.ctx, d.req, d.done)
}

// promote makes waiting requests current.
func (q *requestQueue) promote() {
	if len(q.deferred) == 0 {
		return
	}

	batch := q.deferred
	q.deferred = nil
	q.current = q.secondary
	q.pending += len(batch)

	q.c.m.deferred.WithLabelValues("promoted").Add(float64(len(batch)))
	q.c.l.Debug("Promoted deferred requests", zap.Int("resolution", q.current), zap.Int("count", len(batch)))

	for _, d := range batch {
		d.timer.Stop()
		q.send(d.ctx, d.req, d.done)
	}
}

// supersede drops all waiting requests, completing them with errSuperseded.
func (q *requestQueue) supersede() {
	batch := q.deferred
	q.deferred = nil

	q.c.m.deferred.WithLabelValues("superseded").Add(float64(len(batch)))
	for _, d := range batch {
		d.timer.Stop()
		d.done(nil, errSuperseded)
	}
}

func (q *requestQueue) remove(d *deferredRequest) bool {
	for i, o := range q.deferred {
		if o == d {
			q.deferred = append(q.deferred[:i], q.deferred[i+1:]...)
			return true
		}
	}
	return false
}
