package types

import "time"

// Usage is a single reading of host resource usage.
type Usage struct {
	CPUUsagePercent    float64
	MemoryUsageMB      float64
	MemoryUsagePercent float64
	TotalMemoryMB      int64
	CPUCount           int
}

// PartialRecord is an open profiling window. It is owned by the request
// that opened it and is never shared between requests.
type PartialRecord struct {
	RequestID string
	StartTime time.Time
	// StartUsage is nil when the start sample was degraded.
	StartUsage *Usage
}

// ProfilingRecord is the completed measurement of one request.
type ProfilingRecord struct {
	RequestID  string
	StartTime  time.Time
	EndTime    *time.Time
	DurationMS *float64

	// Resource fields are sampled once when the window closes.
	CPUUsagePercent    *float64
	MemoryUsageMB      *float64
	MemoryUsagePercent *float64

	Method            string
	Path              string
	StatusCode        int
	ResponseSizeBytes int64
	UserAgent         string
	ClientIP          string
}

// Completed reports whether the record carries an end time and a duration.
func (r *ProfilingRecord) Completed() bool {
	return r.EndTime != nil && r.DurationMS != nil
}

// RequestMetadata is supplied by the request pipeline after the handler ran.
type RequestMetadata struct {
	Method            string
	Path              string
	StatusCode        int
	ResponseSizeBytes int64
	UserAgent         string
	ClientIP          string
}

// Apply copies the metadata onto the record.
func (m RequestMetadata) Apply(r *ProfilingRecord) {
	r.Method = m.Method
	r.Path = m.Path
	r.StatusCode = m.StatusCode
	r.ResponseSizeBytes = m.ResponseSizeBytes
	r.UserAgent = m.UserAgent
	r.ClientIP = m.ClientIP
}

// SystemSnapshot is a host reading not tied to any request.
type SystemSnapshot struct {
	Seq                uint64    `json:"-"`
	Timestamp          time.Time `json:"timestamp"`
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsageMB      float64   `json:"memory_usage_mb"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	TotalMemoryMB      int64     `json:"total_memory_mb"`
	CPUCount           int       `json:"cpu_count"`
}

// NewSystemSnapshot builds a snapshot from a usage reading.
func NewSystemSnapshot(ts time.Time, u Usage) SystemSnapshot {
	return SystemSnapshot{
		Timestamp:          ts,
		CPUUsagePercent:    u.CPUUsagePercent,
		MemoryUsageMB:      u.MemoryUsageMB,
		MemoryUsagePercent: u.MemoryUsagePercent,
		TotalMemoryMB:      u.TotalMemoryMB,
		CPUCount:           u.CPUCount,
	}
}

// QueryMetric times a sub-operation (database query, outbound call) of a request.
// RequestID is a lookup key only; the request record may not exist.
type QueryMetric struct {
	RequestID    string    `json:"request_id"`
	Operation    string    `json:"operation"`
	DurationMS   float64   `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	ConnectionID string    `json:"connection_id,omitempty"`
}

// StatsSummary aggregates stored records and recent snapshots.
type StatsSummary struct {
	TotalRequests        int64   `json:"total_requests"`
	AvgDurationMS        float64 `json:"avg_duration_ms"`
	MaxDurationMS        float64 `json:"max_duration_ms"`
	MinDurationMS        float64 `json:"min_duration_ms"`
	AvgCPUPercent        float64 `json:"avg_cpu_percent"`
	AvgMemoryPercent     float64 `json:"avg_memory_percent"`
	CurrentCPUPercent    float64 `json:"current_cpu_percent"`
	CurrentMemoryPercent float64 `json:"current_memory_percent"`
}
