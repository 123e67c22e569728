package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsplot/internal/config"
	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/plot"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

// ViewParams are the flags of the view command.
type ViewParams struct {
	Stream  []uuid.UUID   `required:"" help:"Streams to plot."`
	Start   string        `help:"Start of the view in nanoseconds since the epoch."`
	End     string        `help:"End of the view in nanoseconds; defaults to the latest data."`
	Last    time.Duration `default:"1h" help:"Length of the view when --start is not given."`
	Width   int           `default:"1000" help:"Plot width in pixels."`
	Ticks   int           `default:"8" help:"Maximum number of axis ticks."`
	Timeout time.Duration `default:"30s" help:"How long to wait for data."`
}

// summary is the per-entry resource a text plot needs.
type summary struct {
	min, max float64
	live     *int
}

func (s *summary) Free() { *s.live-- }

// textRenderer records what a plot would draw.
type textRenderer struct {
	width     int
	summaries int
	rendered  chan struct{}
}

func (r *textRenderer) PixelWidth() int { return r.width }

func (r *textRenderer) Render(_ int, entries map[uuid.UUID]*cache.Entry) {
	for _, e := range entries {
		if e == nil || e.Resource() != nil {
			continue
		}
		s := &summary{min: math.Inf(1), max: math.Inf(-1), live: &r.summaries}
		for _, p := range e.Points() {
			s.min = min(s.min, p.Min)
			s.max = max(s.max, p.Max)
		}
		r.summaries++
		e.Attach(s)
	}

	select {
	case r.rendered <- struct{}{}:
	default:
	}
}

func view(ctx context.Context, cfg *config.Config, params *ViewParams, out io.Writer, l *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	lp := loop.New()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// returns once the view is printed or times out
		lp.Run(gctx)
		return nil
	})

	src := source.NewHTTPSource(cfg.ToHTTPConfig(), lp, l)
	c := cache.New(cfg.ToCacheConfig(), src, lp, l)
	r := &textRenderer{width: params.Width, rendered: make(chan struct{}, 1)}
	p := plot.New(cfg.ToPlotConfig(), c, src, lp, r, l)

	err := func() error {
		start, end, err := viewDomain(gctx, src, params)
		if err != nil {
			return err
		}

		err = lp.Do(gctx, func() {
			p.SetStreams(params.Stream)
			p.SetDomain(start, end)
			p.RefreshBrackets(gctx)
			p.Update(gctx)
		})
		if err != nil {
			return err
		}

		select {
		case <-r.rendered:
		case <-gctx.Done():
			return fmt.Errorf("no data before timeout: %w", gctx.Err())
		}

		return lp.Do(gctx, func() { printView(out, p, c, params) })
	}()

	cancel()
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	return err
}

// viewDomain resolves the flags to a time range, asking the archive for the
// latest data when no end is given.
func viewDomain(ctx context.Context, src source.Source, params *ViewParams) (timeval.Time, timeval.Time, error) {
	var start, end timeval.Time
	var err error

	if params.End != "" {
		if end, err = timeval.Parse(params.End); err != nil {
			return start, end, err
		}
	} else {
		type result struct {
			last map[uuid.UUID]timeval.Time
			err  error
		}
		ch := make(chan result, 1)
		src.Brackets(ctx, params.Stream, func(last map[uuid.UUID]timeval.Time, err error) {
			ch <- result{last, err}
		})

		var res result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return start, end, ctx.Err()
		}
		if res.err != nil {
			return start, end, res.err
		}
		if len(res.last) == 0 {
			return start, end, fmt.Errorf("no data for %d stream(s)", len(params.Stream))
		}
		for _, t := range res.last {
			end = timeval.Max(end, t)
		}
		end = end.AddNanos(1)
	}

	if params.Start != "" {
		if start, err = timeval.Parse(params.Start); err != nil {
			return start, end, err
		}
	} else {
		start = end.AddNanos(-params.Last.Nanoseconds())
	}

	if !start.Before(end) {
		return start, end, fmt.Errorf("empty view [%s, %s]", start, end)
	}
	return start, end, nil
}

func printView(out io.Writer, p *plot.Plot, c *cache.Cache, params *ViewParams) {
	start, end := p.Domain()
	fmt.Fprintf(out, "view:       [%s, %s]\n", start, end)
	fmt.Fprintf(out, "resolution: %d (%s per point)\n", p.Resolution(), time.Duration(timeval.Width(p.Resolution()).UnixNano()))

	primary := p.Primary()
	for _, id := range params.Stream {
		e := primary[id]
		if e == nil {
			fmt.Fprintf(out, "%s: no data\n", id)
			continue
		}
		fmt.Fprintf(out, "%s: entry [%s, %s) with %d points", id, e.Start(), e.End(), e.Len())
		if s, ok := e.Resource().(*summary); ok && e.Len() > 0 {
			fmt.Fprintf(out, ", values %g..%g", s.min, s.max)
		}
		fmt.Fprintln(out)
	}

	st := c.Stats()
	fmt.Fprintf(out, "cache:      %d points in %d entries, %s\n", st.Points, st.Entries, humanize.IBytes(uint64(st.Bytes)))

	ts := p.Ticks(params.Ticks)
	labels := make([]string, 0, len(ts))
	for _, t := range ts {
		labels = append(labels, t.Label)
	}
	if len(ts) > 0 {
		fmt.Fprintf(out, "ticks (%s): %v\n", ts[0].Granularity, labels)
	}
}

// check interfaces
var (
	_ plot.Renderer  = (*textRenderer)(nil)
	_ cache.Resource = (*summary)(nil)
)
