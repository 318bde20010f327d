// Package middleware connects the capture engine to an HTTP request pipeline.
//
// Hooks exposes the two calls any pipeline needs, one when a request starts
// and one when its response is done. Profiler is the net/http middleware
// built on them.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/capture"
	"github.com/vjranagit/timeglass/pkg/types"
)

const (
	// HeaderRequestID carries a caller-supplied request id and is echoed
	// on the response.
	HeaderRequestID = "X-Request-ID"
	// MaxRequestIDLength bounds accepted request ids.
	MaxRequestIDLength = 100
)

// Sink receives completed records. Enqueue must not block.
type Sink interface {
	Enqueue(rec types.ProfilingRecord) bool
}

// Hooks opens and closes profiling windows around requests.
type Hooks struct {
	capture *capture.Capture
	sink    Sink
	logger  zerolog.Logger
	newID   func() string
}

// NewHooks creates hooks that hand completed records to sink.
func NewHooks(c *capture.Capture, sink Sink, logger zerolog.Logger) *Hooks {
	return &Hooks{
		capture: c,
		sink:    sink,
		logger:  logger.With().Str("component", "middleware").Logger(),
		newID:   uuid.NewString,
	}
}

// ValidRequestID reports whether id is non-empty, at most
// MaxRequestIDLength bytes and made of printable non-space characters.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// OnRequestStart opens a window for r. The id comes from the X-Request-ID
// header when valid, otherwise a new UUID. ok is false when profiling could
// not start; the request must proceed regardless.
func (h *Hooks) OnRequestStart(r *http.Request) (string, types.PartialRecord, bool) {
	id := r.Header.Get(HeaderRequestID)
	if !ValidRequestID(id) {
		if id != "" {
			h.logger.Debug().Int("length", len(id)).Msg("Ignoring invalid request id header")
		}
		id = h.newID()
	}

	partial, err := h.capture.Start(r.Context(), id)
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", id).Msg("Failed to start profiling")
		return id, types.PartialRecord{}, false
	}
	return id, partial, true
}

// OnRequestEnd closes the window, attaches the request metadata and hands
// the record to the sink. Failures are logged and never reach the caller.
func (h *Hooks) OnRequestEnd(ctx context.Context, requestID string, partial types.PartialRecord, meta types.RequestMetadata) {
	rec, err := h.capture.Stop(ctx, requestID, partial)
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to stop profiling")
		return
	}
	meta.Apply(&rec)

	if !h.sink.Enqueue(rec) {
		h.logger.Debug().Str("request_id", requestID).Msg("Profiling record dropped")
	}
}

// ClientIP returns the first X-Forwarded-For hop, or the remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
