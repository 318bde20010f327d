package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/timeglass/pkg/api"
	"github.com/vjranagit/timeglass/pkg/query"
	"github.com/vjranagit/timeglass/pkg/stats"
	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

func f64(v float64) *float64 { return &v }

func sampleRecord(id string, start time.Time, durationMS float64, status int) types.ProfilingRecord {
	end := start.Add(time.Duration(durationMS * float64(time.Millisecond)))
	return types.ProfilingRecord{
		RequestID:          id,
		StartTime:          start,
		EndTime:            &end,
		DurationMS:         f64(durationMS),
		CPUUsagePercent:    f64(12.5),
		MemoryUsageMB:      f64(512),
		MemoryUsagePercent: f64(40),
		Method:             "POST",
		Path:               "/orders",
		StatusCode:         status,
		ResponseSizeBytes:  2048,
	}
}

func seed(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	recs := []types.ProfilingRecord{
		sampleRecord("fast", now.Add(-2*time.Second), 100, 200),
		sampleRecord("slow", now.Add(-time.Second), 700, 500),
	}
	require.NoError(t, store.SaveRecords(ctx, recs))
	require.NoError(t, store.SaveQueryMetric(ctx, &types.QueryMetric{
		RequestID:  "slow",
		Operation:  "SELECT * FROM orders",
		DurationMS: 3.25,
		Timestamp:  now,
	}))
}

// seededDir writes sample data to a data directory and closes the store so
// the commands can open it.
func seededDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(&storage.Config{Path: dir, CompressionLevel: 3}, zerolog.Nop())
	require.NoError(t, err)
	seed(t, store)
	require.NoError(t, store.Close())
	return dir
}

func seededServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewStorage(&storage.Config{InMemory: true, CompressionLevel: 1}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	seed(t, store)

	srv := api.NewServer(":0", query.NewLayer(store, zerolog.Nop()), stats.New(store), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "timeglass version "+Version)
}

func TestStatsFromDataDir(t *testing.T) {
	dir := seededDir(t)

	out, err := run(t, "stats", "--db-path", dir, "--json")
	require.NoError(t, err)

	var summary types.StatsSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(2), summary.TotalRequests)
	assert.Equal(t, 400.0, summary.AvgDurationMS)
	assert.Equal(t, 100.0, summary.MinDurationMS)
	assert.Equal(t, 700.0, summary.MaxDurationMS)
}

func TestStatsPanel(t *testing.T) {
	dir := seededDir(t)

	out, err := run(t, "stats", "--db-path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Request statistics")
	assert.Contains(t, out, "400.00 ms")
}

func TestStatsMissingDataDir(t *testing.T) {
	_, err := run(t, "stats", "--db-path", filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestShowFromDataDir(t *testing.T) {
	dir := seededDir(t)

	out, err := run(t, "show", "slow", "--db-path", dir, "--json")
	require.NoError(t, err)

	var detail recordDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, "slow", detail.Record.RequestID)
	assert.Equal(t, "5xx", detail.Classification.StatusClass)
	assert.Equal(t, types.PerfCritical, detail.Classification.DurationClass)
	require.Len(t, detail.Operations, 1)
	assert.Equal(t, "SELECT * FROM orders", detail.Operations[0].Operation)
}

func TestShowNotFound(t *testing.T) {
	dir := seededDir(t)

	_, err := run(t, "show", "nobody", "--db-path", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestShowRejectsInvalidID(t *testing.T) {
	_, err := run(t, "show", "has space")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request id")
}

func TestStatsFromAPI(t *testing.T) {
	ts := seededServer(t)

	out, err := run(t, "stats", "--api", ts.URL, "--json")
	require.NoError(t, err)

	var summary types.StatsSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(2), summary.TotalRequests)
}

func TestShowFromAPI(t *testing.T) {
	ts := seededServer(t)

	out, err := run(t, "show", "slow", "--api", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Request slow")
	assert.Contains(t, out, "SELECT * FROM orders")
	assert.Contains(t, out, "2.0 kB")

	_, err = run(t, "show", "nobody", "--api", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInvalidAPIURL(t *testing.T) {
	_, err := run(t, "stats", "--api", "not a url")
	assert.Error(t, err)
}

func TestRenderSummary(t *testing.T) {
	out := renderSummary(types.StatsSummary{TotalRequests: 1234567, AvgDurationMS: 12.345})
	assert.Contains(t, out, "1,234,567")
	assert.Contains(t, out, "12.35 ms")
}

func TestRenderRecordWithAbsentFields(t *testing.T) {
	rec := types.ProfilingRecord{RequestID: "partial", StartTime: time.Now()}
	out := renderRecord(rec, nil, time.Now())

	assert.Contains(t, out, "Request partial")
	assert.NotContains(t, out, "Operations")
	assert.Contains(t, out, "-")
}
