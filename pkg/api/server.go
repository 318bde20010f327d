package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/internal/telemetry"
	"github.com/vjranagit/timeglass/pkg/middleware"
	"github.com/vjranagit/timeglass/pkg/query"
	"github.com/vjranagit/timeglass/pkg/stats"
)

// Server implements the HTTP API server
type Server struct {
	layer      *query.Layer
	aggregator *stats.Aggregator
	logger     zerolog.Logger

	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer
	profiler *middleware.Profiler

	addr   string
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments the API with m and serves g on /metrics.
func WithMetrics(m *telemetry.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithProfiler profiles the API's own requests.
func WithProfiler(p *middleware.Profiler) Option {
	return func(s *Server) { s.profiler = p }
}

// NewServer creates a new API server
func NewServer(addr string, layer *query.Layer, aggregator *stats.Aggregator, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		layer:      layer,
		aggregator: aggregator,
		logger:     logger.With().Str("component", "api").Logger(),
		addr:       addr,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	if s.profiler != nil {
		r.Use(s.profiler.Handler)
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/requests", s.handleRequests)
		r.Get("/requests/{id}", s.handleRequest)
		r.Get("/requests/{id}/operations", s.handleOperations)
		r.Get("/system-metrics", s.handleSystemMetrics)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, ErrMsgNotFound)
	})

	return r
}

// Start starts the HTTP server and blocks until it stops. It returns nil
// at once when Stop was already called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("API server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server. It is safe to call before or during Start.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.aggregator.Summarize(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	WriteResponse(w, http.StatusOK, summary)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	p, ok := s.params(w, r, query.DefaultRecordLimit)
	if !ok {
		return
	}

	recs, err := s.layer.Records(r.Context(), p)
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	WriteResponse(w, http.StatusOK, recs)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	rec, found, err := s.layer.Record(r.Context(), id)
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	if !found {
		WriteError(w, http.StatusNotFound, ErrMsgNotFound, "request "+id+" not found")
		return
	}
	WriteResponse(w, http.StatusOK, rec)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	ops, err := s.layer.Operations(r.Context(), id)
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	WriteResponse(w, http.StatusOK, ops)
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := s.params(w, r, query.DefaultSnapshotLimit)
	if !ok {
		return
	}

	snaps, err := s.layer.Snapshots(r.Context(), p)
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	WriteResponse(w, http.StatusOK, snaps)
}

func (s *Server) params(w http.ResponseWriter, r *http.Request, defaultLimit int) (query.Params, bool) {
	p, err := query.ParseParams(r.URL.Query(), defaultLimit)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrMsgInvalidParams, err)
		return query.Params{}, false
	}
	return p, true
}

func requestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !middleware.ValidRequestID(id) {
		WriteError(w, http.StatusBadRequest, ErrMsgInvalidID, "request id must be 1-100 printable characters")
		return "", false
	}
	return id, true
}

func (s *Server) queryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrInvalidParams) {
		WriteError(w, http.StatusBadRequest, ErrMsgInvalidParams, err)
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	WriteError(w, http.StatusInternalServerError, ErrMsgInternal, err)
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveAPIRequest(r.Method, route, status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}
