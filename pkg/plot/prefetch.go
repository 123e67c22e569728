package plot

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

// prefetchSteps are the resolution offsets fetched after the neighbours of
// the view, in order.
var prefetchSteps = []int{-1, 1, -2, 2}

// view is what an Update drew. Prefetching works from it rather than from
// the plot, whose domain may have been set again since.
type view struct {
	gen        uint64
	res        int
	start, end timeval.Time
	streams    []uuid.UUID
}

func (p *Plot) schedulePrefetch(ctx context.Context, v view) {
	p.prefetch = p.sched.AfterFunc(p.cfg.PrefetchDelay, func() {
		p.prefetch = nil
		p.prefetchSides(ctx, v)
	})
}

// prefetchSides loads one span to the left and to the right of the view at
// its resolution, then moves on to neighbouring resolutions.
func (p *Plot) prefetchSides(ctx context.Context, v view) {
	if v.gen != p.generation {
		return
	}

	span := v.end.Sub(v.start)
	ranges := [][2]timeval.Time{
		{v.start.Sub(span), v.start},
		{v.end, v.end.Add(span)},
	}

	p.l.Debug("Prefetching", zap.Uint64("generation", v.gen), zap.Int("resolution", v.res))

	p.fetchAll(ctx, v, v.res, ranges, func() {
		p.prefetchResolution(ctx, v, 0)
	})
}

// prefetchResolution loads the extended view at resolution v.res+prefetchSteps[i].
func (p *Plot) prefetchResolution(ctx context.Context, v view, i int) {
	for ; i < len(prefetchSteps); i++ {
		if v.gen != p.generation {
			return
		}

		res := v.res + prefetchSteps[i]
		if res < 0 || p.cache.Resolution(res) != res {
			continue
		}

		span := v.end.Sub(v.start)
		ranges := [][2]timeval.Time{{v.start.Sub(span), v.end.Add(span)}}

		next := i + 1
		p.fetchAll(ctx, v, res, ranges, func() {
			p.prefetchResolution(ctx, v, next)
		})
		return
	}
}

// fetchAll requests ranges at res for every stream of v in the background and
// calls then once all have answered, unless the view changed meanwhile.
func (p *Plot) fetchAll(ctx context.Context, v view, res int, ranges [][2]timeval.Time, then func()) {
	remaining := len(v.streams) * len(ranges)
	if remaining == 0 {
		return
	}

	for _, id := range v.streams {
		for _, r := range ranges {
			p.cache.EnsureData(ctx, id, res, r[0], r[1], cache.Background, func(*cache.Entry) {
				remaining--
				if remaining == 0 && v.gen == p.generation {
					then()
				}
			})
		}
	}
}
