// Package api serves the archive over HTTP: statistical data queries,
// high-water marks, stream lookup and remote writes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/archive"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/types"
)

// maxBodySize limits request bodies.
const maxBodySize = 64 << 20

// Config holds server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server implements the HTTP API server
type Server struct {
	l        *zap.Logger
	cfg      Config
	storage  archive.Storage
	writer   archive.Writer
	gatherer prometheus.Gatherer
	metrics  *Metrics
	tracer   trace.Tracer
	server   *http.Server
}

// NewServer creates a new API server. Reads go to store, writes to w, which
// is usually a BatchWriter in front of store. Metrics are served from g.
func NewServer(cfg Config, store archive.Storage, w archive.Writer, g prometheus.Gatherer, l *zap.Logger) *Server {
	if w == nil {
		w = store
	}

	return &Server{
		l:        l.Named("api"),
		cfg:      cfg,
		storage:  store,
		writer:   w,
		gatherer: g,
		metrics:  NewMetrics(),
		tracer:   otel.Tracer("github.com/vjranagit/tsplot/pkg/api"),
	}
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "/data", s.handleData)
	s.handle(mux, "/api/v1/write", s.handleWrite)
	s.handle(mux, "/api/v1/streams", s.handleStreams)
	s.handle(mux, "/api/v1/brackets", s.handleBrackets)
	s.handle(mux, "/health", s.handleHealth)

	if s.gatherer != nil {
		stdL, _ := zap.NewStdLogAt(s.l, zap.WarnLevel)
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog:      stdL,
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	return mux
}

func (s *Server) handle(mux *http.ServeMux, path string, h http.HandlerFunc) {
	labels := prometheus.Labels{"handler": path}
	mux.Handle(path, promhttp.InstrumentHandlerDuration(
		s.metrics.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(s.metrics.requests.MustCurryWith(labels), h),
	))
}

// Serve serves on lis until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stdL, _ := zap.NewStdLogAt(s.l, zap.WarnLevel)

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		ErrorLog:     stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.l.Info("API server listening", zap.Stringer("addr", lis.Addr()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := s.server.Shutdown(stopCtx); err != nil { //nolint:contextcheck // use new context for shutdown
		return fmt.Errorf("shutdown failed: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	s.l.Info("API server stopped")
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// handleData answers a statistical query. The body is
// "uuid,start,end,pw" with decimal nanosecond times.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not read received POST payload: %v", err), http.StatusBadRequest)
		return
	}

	req, err := source.ParseBody(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "api.Data", trace.WithAttributes(
		attribute.String("request", req.String()),
	))
	defer span.End()

	points, err := s.storage.Query(ctx, req.Stream, req.Start, req.End, req.Resolution)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.l.Warn("Query failed", zap.Stringer("request", req), zap.Error(err))
		http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.metrics.points.Add(float64(len(points)))

	w.Header().Set("Content-Type", "application/json")
	w.Write(source.AppendPoints(nil, points))
}

// handleWrite handles remote write requests
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.WriteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	for _, series := range req.Series {
		if series.Stream.UUID == uuid.Nil {
			http.Error(w, fmt.Sprintf("Series %q has no UUID", series.Stream.Name), http.StatusBadRequest)
			return
		}
	}

	if err := s.writer.Write(r.Context(), &req); err != nil {
		s.l.Error("Write failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Write failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{
		"status": "success",
	})
}

// handleStreams lists streams. Selectors are given as name=<name> and
// repeated tag=<key>:<value> parameters.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selectors := make(map[string]string)

	if name := q.Get("name"); name != "" {
		selectors["name"] = name
	}
	for _, tag := range q["tag"] {
		k, v, ok := strings.Cut(tag, ":")
		if !ok || k == "" {
			http.Error(w, fmt.Sprintf("Invalid tag selector %q", tag), http.StatusBadRequest)
			return
		}
		selectors[k] = v
	}

	writeJSON(w, s.storage.Streams(selectors))
}

// handleBrackets returns the last time with data of each requested stream
// as decimal nanoseconds. Streams without data are omitted.
func (s *Server) handleBrackets(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["uuid"]
	res := make(map[string]string, len(ids))

	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid UUID %q: %v", raw, err), http.StatusBadRequest)
			return
		}
		if last, ok := s.storage.LastTime(id); ok {
			res[id.String()] = last.String()
		}
	}

	writeJSON(w, res)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
