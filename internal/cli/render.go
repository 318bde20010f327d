package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/vjranagit/timeglass/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(22)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	classStyles = map[string]lipgloss.Style{
		types.PerfGood:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		types.PerfWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		types.PerfCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		types.PerfNeutral:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

type row struct {
	label string
	value string
}

func panel(title string, rows []row) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for _, r := range rows {
		b.WriteByte('\n')
		b.WriteString(labelStyle.Render(r.label))
		b.WriteString(r.value)
	}
	return panelStyle.Render(b.String())
}

func renderSummary(s types.StatsSummary) string {
	return panel("Request statistics", []row{
		{"Total requests", humanize.Comma(s.TotalRequests)},
		{"Avg duration", formatMS(s.AvgDurationMS)},
		{"Min duration", formatMS(s.MinDurationMS)},
		{"Max duration", formatMS(s.MaxDurationMS)},
		{"Avg CPU", formatPercent(s.AvgCPUPercent)},
		{"Avg memory", formatPercent(s.AvgMemoryPercent)},
		{"Current CPU", formatPercent(s.CurrentCPUPercent)},
		{"Current memory", formatPercent(s.CurrentMemoryPercent)},
	})
}

func renderRecord(rec types.ProfilingRecord, ops []types.QueryMetric, now time.Time) string {
	class := types.Classify(&rec)

	rows := []row{
		{"Request ID", rec.RequestID},
		{"Method", orDash(rec.Method)},
		{"Path", orDash(rec.Path)},
		{"Status", classified(statusText(rec.StatusCode), statusPerf(class.StatusClass))},
		{"Started", fmt.Sprintf("%s (%s)", rec.StartTime.Format(time.RFC3339Nano), humanize.RelTime(rec.StartTime, now, "ago", "from now"))},
		{"Duration", classified(optionalMS(rec.DurationMS), class.DurationClass)},
		{"CPU", classified(optionalPercent(rec.CPUUsagePercent), class.CPUClass)},
		{"Memory", classified(optionalMemory(rec.MemoryUsageMB, rec.MemoryUsagePercent), class.MemoryClass)},
		{"Response size", optionalBytes(rec.ResponseSizeBytes)},
		{"Client IP", orDash(rec.ClientIP)},
		{"User agent", orDash(rec.UserAgent)},
	}

	out := panel("Request "+rec.RequestID, rows)
	if len(ops) == 0 {
		return out
	}

	opRows := make([]row, 0, len(ops))
	for _, op := range ops {
		label := op.Operation
		if op.ConnectionID != "" {
			label = fmt.Sprintf("%s [%s]", label, op.ConnectionID)
		}
		opRows = append(opRows, row{label: formatMS(op.DurationMS), value: label})
	}
	return lipgloss.JoinVertical(lipgloss.Left, out, panel(fmt.Sprintf("Operations (%d)", len(ops)), opRows))
}

func classified(text, class string) string {
	style, ok := classStyles[class]
	if !ok {
		return text
	}
	return style.Render(text)
}

// statusPerf maps a status class onto the perf palette.
func statusPerf(statusClass string) string {
	switch statusClass {
	case "2xx":
		return types.PerfGood
	case "4xx":
		return types.PerfWarning
	case "5xx":
		return types.PerfCritical
	}
	return types.PerfNeutral
}

func statusText(code int) string {
	if code == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", code)
}

func formatMS(v float64) string {
	return fmt.Sprintf("%.2f ms", v)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func optionalMS(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatMS(*v)
}

func optionalPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatPercent(*v)
}

func optionalMemory(mb, pct *float64) string {
	if mb == nil {
		return "-"
	}
	text := humanize.IBytes(uint64(*mb * 1024 * 1024))
	if pct != nil {
		text += " (" + formatPercent(*pct) + ")"
	}
	return text
}

func optionalBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
