package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned when a wire document cannot form a record.
var ErrInvalidRecord = errors.New("invalid profiling record")

// recordWire is the JSON layout of a ProfilingRecord. Every field of the
// record has exactly one counterpart here.
type recordWire struct {
	RequestID          *string  `json:"request_id"`
	StartTime          *string  `json:"start_time"`
	EndTime            *string  `json:"end_time"`
	DurationMS         *float64 `json:"duration_ms"`
	CPUUsagePercent    *float64 `json:"cpu_usage_percent"`
	MemoryUsageMB      *float64 `json:"memory_usage_mb"`
	MemoryUsagePercent *float64 `json:"memory_usage_percent"`
	Method             *string  `json:"method"`
	Path               *string  `json:"path"`
	StatusCode         *int     `json:"status_code"`
	ResponseSizeBytes  *int64   `json:"response_size_bytes"`
	UserAgent          *string  `json:"user_agent"`
	ClientIP           *string  `json:"client_ip"`
}

// EncodeRecord converts a record to its JSON wire representation.
func EncodeRecord(r *ProfilingRecord) ([]byte, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalidRecord)
	}
	if r.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: start_time is required", ErrInvalidRecord)
	}
	return json.Marshal(toWire(r))
}

// DecodeRecord parses a wire document. Unknown fields, missing required
// fields and an end_time before start_time are rejected.
func DecodeRecord(data []byte) (ProfilingRecord, error) {
	var w recordWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return ProfilingRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return fromWire(&w)
}

// MarshalJSON implements json.Marshaler using the wire layout.
func (r ProfilingRecord) MarshalJSON() ([]byte, error) {
	return EncodeRecord(&r)
}

// UnmarshalJSON implements json.Unmarshaler using the wire layout.
func (r *ProfilingRecord) UnmarshalJSON(data []byte) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func toWire(r *ProfilingRecord) recordWire {
	start := r.StartTime.Format(time.RFC3339Nano)
	w := recordWire{
		RequestID:          strPtr(r.RequestID),
		StartTime:          &start,
		DurationMS:         r.DurationMS,
		CPUUsagePercent:    r.CPUUsagePercent,
		MemoryUsageMB:      r.MemoryUsageMB,
		MemoryUsagePercent: r.MemoryUsagePercent,
		Method:             strPtr(r.Method),
		Path:               strPtr(r.Path),
		UserAgent:          strPtr(r.UserAgent),
		ClientIP:           strPtr(r.ClientIP),
	}
	if r.EndTime != nil {
		end := r.EndTime.Format(time.RFC3339Nano)
		w.EndTime = &end
	}
	if r.StatusCode != 0 {
		code := r.StatusCode
		w.StatusCode = &code
	}
	if r.ResponseSizeBytes != 0 {
		size := r.ResponseSizeBytes
		w.ResponseSizeBytes = &size
	}
	return w
}

func fromWire(w *recordWire) (ProfilingRecord, error) {
	if w.RequestID == nil || *w.RequestID == "" {
		return ProfilingRecord{}, fmt.Errorf("%w: missing request_id", ErrInvalidRecord)
	}
	if w.StartTime == nil {
		return ProfilingRecord{}, fmt.Errorf("%w: missing start_time", ErrInvalidRecord)
	}

	start, err := time.Parse(time.RFC3339Nano, *w.StartTime)
	if err != nil {
		return ProfilingRecord{}, fmt.Errorf("%w: start_time: %v", ErrInvalidRecord, err)
	}

	r := ProfilingRecord{
		RequestID:          *w.RequestID,
		StartTime:          start,
		DurationMS:         w.DurationMS,
		CPUUsagePercent:    w.CPUUsagePercent,
		MemoryUsageMB:      w.MemoryUsageMB,
		MemoryUsagePercent: w.MemoryUsagePercent,
		Method:             deref(w.Method),
		Path:               deref(w.Path),
		UserAgent:          deref(w.UserAgent),
		ClientIP:           deref(w.ClientIP),
	}

	if w.EndTime != nil {
		end, err := time.Parse(time.RFC3339Nano, *w.EndTime)
		if err != nil {
			return ProfilingRecord{}, fmt.Errorf("%w: end_time: %v", ErrInvalidRecord, err)
		}
		if end.Before(start) {
			return ProfilingRecord{}, fmt.Errorf("%w: end_time precedes start_time", ErrInvalidRecord)
		}
		r.EndTime = &end
	}
	if r.DurationMS != nil && *r.DurationMS < 0 {
		return ProfilingRecord{}, fmt.Errorf("%w: negative duration_ms", ErrInvalidRecord)
	}
	if w.StatusCode != nil {
		r.StatusCode = *w.StatusCode
	}
	if w.ResponseSizeBytes != nil {
		r.ResponseSizeBytes = *w.ResponseSizeBytes
	}

	return r, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
