package types

// Perf classes used by the request detail view.
const (
	PerfGood     = "perf-good"
	PerfWarning  = "perf-warning"
	PerfCritical = "perf-critical"
	PerfNeutral  = "perf-neutral"
)

// Classification buckets a record for display.
type Classification struct {
	StatusClass   string `json:"status_class"`
	DurationClass string `json:"duration_class"`
	CPUClass      string `json:"cpu_class"`
	MemoryClass   string `json:"memory_class"`
}

// Classify buckets the status code and the numeric fields of r.
func Classify(r *ProfilingRecord) Classification {
	return Classification{
		StatusClass:   statusClass(r.StatusCode),
		DurationClass: perfClass(r.DurationMS, 100, 500),
		CPUClass:      perfClass(r.CPUUsagePercent, 50, 80),
		MemoryClass:   perfClass(r.MemoryUsagePercent, 60, 85),
	}
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "default"
	}
}

func perfClass(v *float64, warn, critical float64) string {
	switch {
	case v == nil:
		return PerfNeutral
	case *v < warn:
		return PerfGood
	case *v < critical:
		return PerfWarning
	default:
		return PerfCritical
	}
}
