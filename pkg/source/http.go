package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vjranagit/tsplot/pkg/loop"
	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// maxResponseSize limits a single response body.
const maxResponseSize = 256 << 20

// HTTPConfig configures HTTPSource.
type HTTPConfig struct {
	DataURL     string        // POST endpoint taking Request.Body()
	BracketsURL string        // GET endpoint returning last valid times
	MaxInFlight int64         // concurrent requests; excess requests wait
	Timeout     time.Duration // per request
}

// HTTPSource implements Source over the archive's HTTP API.
type HTTPSource struct {
	l      *zap.Logger
	cfg    HTTPConfig
	client *http.Client
	sched  loop.Scheduler
	sem    *semaphore.Weighted
	tracer trace.Tracer
}

// NewHTTPSource creates a new HTTP source. Completions are posted to sched.
func NewHTTPSource(cfg HTTPConfig, sched loop.Scheduler, l *zap.Logger) *HTTPSource {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 8
	}

	return &HTTPSource{
		l:      l.Named("source"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sched:  sched,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		tracer: otel.Tracer("github.com/vjranagit/tsplot/pkg/source"),
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, req Request, done func([]types.Point, error)) {
	go func() {
		points, err := s.fetch(ctx, req)
		s.sched.Post(func() { done(points, err) })
	}()
}

func (s *HTTPSource) fetch(ctx context.Context, req Request) ([]types.Point, error) {
	ctx, span := s.tracer.Start(ctx, "source.Fetch", trace.WithAttributes(
		attribute.String("stream", req.Stream.String()),
		attribute.Int("pw", req.Resolution),
	))
	defer span.End()

	body, err := s.do(ctx, http.MethodPost, s.cfg.DataURL, strings.NewReader(req.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	points, err := ParsePoints(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("points", len(points)))
	s.l.Debug("Fetched", zap.Stringer("request", req), zap.Int("points", len(points)))

	return points, nil
}

// Brackets implements Source.
func (s *HTTPSource) Brackets(ctx context.Context, streams []uuid.UUID, done func(map[uuid.UUID]timeval.Time, error)) {
	q := make(url.Values)
	for _, id := range streams {
		q.Add("uuid", id.String())
	}
	u := s.cfg.BracketsURL + "?" + q.Encode()

	go func() {
		var res map[uuid.UUID]timeval.Time
		body, err := s.do(ctx, http.MethodGet, u, nil)
		if err == nil {
			res, err = ParseBrackets(body)
		}
		s.sched.Post(func() { done(res, err) })
	}()
}

func (s *HTTPSource) do(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	return b, nil
}

// check interfaces
var (
	_ Source = (*HTTPSource)(nil)
)
