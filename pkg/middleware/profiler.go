package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/types"
)

// OperationSink receives sub-operation timings. EnqueueOperation must not
// block.
type OperationSink interface {
	EnqueueOperation(m types.QueryMetric) bool
}

type contextKey struct{}

// requestScope is what Profiler puts in the request context.
type requestScope struct {
	id     string
	ops    OperationSink
	logger zerolog.Logger
}

// Profiler is net/http middleware that profiles every request it serves.
type Profiler struct {
	hooks     *Hooks
	ops       OperationSink
	skipPaths []string
}

// ProfilerOption configures a Profiler.
type ProfilerOption func(*Profiler)

// WithSkipPaths leaves requests whose path starts with any prefix unprofiled.
func WithSkipPaths(prefixes ...string) ProfilerOption {
	return func(p *Profiler) { p.skipPaths = append(p.skipPaths, prefixes...) }
}

// WithOperationSink enables TrackOperation inside profiled handlers.
func WithOperationSink(ops OperationSink) ProfilerOption {
	return func(p *Profiler) { p.ops = ops }
}

// NewProfiler creates the middleware.
func NewProfiler(hooks *Hooks, opts ...ProfilerOption) *Profiler {
	p := &Profiler{hooks: hooks}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handler wraps next.
func (p *Profiler) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id, partial, ok := p.hooks.OnRequestStart(r)
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), contextKey{}, &requestScope{
			id:     id,
			ops:    p.ops,
			logger: p.hooks.logger,
		})
		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		if !ok {
			return
		}
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		p.hooks.OnRequestEnd(r.Context(), id, partial, types.RequestMetadata{
			Method:            r.Method,
			Path:              r.URL.Path,
			StatusCode:        status,
			ResponseSizeBytes: recorder.bytes,
			UserAgent:         r.UserAgent(),
			ClientIP:          ClientIP(r),
		})
	})
}

func (p *Profiler) skip(path string) bool {
	for _, prefix := range p.skipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequestIDFromContext returns the id of the profiled request, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(contextKey{}).(*requestScope)
	if !ok {
		return "", false
	}
	return scope.id, true
}

// TrackOperation starts timing a sub-operation of the current request and
// returns the function that ends it. Outside a profiled request, or without
// an operation sink, it is a no-op.
//
//	done := middleware.TrackOperation(ctx, "SELECT users", "primary")
//	rows, err := db.QueryContext(ctx, q)
//	done()
func TrackOperation(ctx context.Context, operation, connectionID string) func() {
	scope, ok := ctx.Value(contextKey{}).(*requestScope)
	if !ok || scope.ops == nil || operation == "" {
		return func() {}
	}

	start := time.Now()
	return func() {
		m := types.QueryMetric{
			RequestID:    scope.id,
			Operation:    operation,
			DurationMS:   float64(time.Since(start)) / float64(time.Millisecond),
			Timestamp:    start,
			ConnectionID: connectionID,
		}
		if !scope.ops.EnqueueOperation(m) {
			scope.logger.Debug().Str("request_id", scope.id).Str("operation", operation).Msg("Operation timing dropped")
		}
	}
}

// responseRecorder captures the status code and body size.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}
