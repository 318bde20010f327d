package query

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(&storage.Config{InMemory: true, CompressionLevel: 1}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store storage.Storage, recs ...types.ProfilingRecord) {
	t.Helper()
	require.NoError(t, store.SaveRecords(context.Background(), recs))
}

func rec(id string, offset time.Duration, method, path string, status int) types.ProfilingRecord {
	d := 10.0
	start := base.Add(offset)
	end := start.Add(10 * time.Millisecond)
	return types.ProfilingRecord{
		RequestID:  id,
		StartTime:  start,
		EndTime:    &end,
		DurationMS: &d,
		Method:     method,
		Path:       path,
		StatusCode: status,
	}
}

func ids(recs []types.ProfilingRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RequestID
	}
	return out
}

func fiveRecords(t *testing.T) *Layer {
	store := newStore(t)
	for i := 1; i <= 5; i++ {
		seed(t, store, rec(fmt.Sprintf("t%d", i), time.Duration(i)*time.Second, "GET", "/api/items", 200))
	}
	return NewLayer(store, zerolog.Nop())
}

func TestRecordsNewestFirstWithLimit(t *testing.T) {
	layer := fiveRecords(t)

	got, err := layer.Records(context.Background(), Params{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"t5", "t4", "t3"}, ids(got))
}

func TestRecordsOffset(t *testing.T) {
	layer := fiveRecords(t)

	got, err := layer.Records(context.Background(), Params{Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, ids(got))

	got, err = layer.Records(context.Background(), Params{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecordsFilters(t *testing.T) {
	store := newStore(t)
	seed(t, store,
		rec("get-users", 1*time.Second, "GET", "/API/Users", 200),
		rec("post-users", 2*time.Second, "POST", "/api/users", 201),
		rec("get-orders", 3*time.Second, "GET", "/api/orders", 500),
		rec("get-users-2", 4*time.Second, "GET", "/api/users/7", 404),
	)
	layer := NewLayer(store, zerolog.Nop())
	ctx := context.Background()

	got, err := layer.Records(ctx, Params{Limit: 50, Method: "POST"})
	require.NoError(t, err)
	assert.Equal(t, []string{"post-users"}, ids(got))

	got, err = layer.Records(ctx, Params{Limit: 50, PathContains: "users"})
	require.NoError(t, err)
	assert.Equal(t, []string{"get-users-2", "post-users", "get-users"}, ids(got))

	got, err = layer.Records(ctx, Params{Limit: 50, StatusCode: 500})
	require.NoError(t, err)
	assert.Equal(t, []string{"get-orders"}, ids(got))

	// Filters apply before paging.
	got, err = layer.Records(ctx, Params{Limit: 1, Offset: 1, Method: "GET", PathContains: "users"})
	require.NoError(t, err)
	assert.Equal(t, []string{"get-users"}, ids(got))
}

func TestRecordsTimeRangeInclusive(t *testing.T) {
	layer := fiveRecords(t)

	from := base.Add(2 * time.Second)
	to := base.Add(4 * time.Second)
	got, err := layer.Records(context.Background(), Params{Limit: 50, StartTime: &from, EndTime: &to})
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t3", "t2"}, ids(got))
}

func TestRecordsEmptyStore(t *testing.T) {
	layer := NewLayer(newStore(t), zerolog.Nop())

	got, err := layer.Records(context.Background(), Params{Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecordsRejectsInvalidParams(t *testing.T) {
	layer := fiveRecords(t)
	ctx := context.Background()

	_, err := layer.Records(ctx, Params{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = layer.Records(ctx, Params{Limit: 0})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = layer.Records(ctx, Params{Limit: 1, Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = layer.Records(ctx, Params{Limit: 1, StatusCode: 42})
	assert.ErrorIs(t, err, ErrInvalidParams)

	later := base.Add(time.Hour)
	_, err = layer.Records(ctx, Params{Limit: 1, StartTime: &later, EndTime: &base})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestRecordsClampsLimit(t *testing.T) {
	store := newStore(t)
	batch := make([]types.ProfilingRecord, 0, 1200)
	for i := 0; i < 1200; i++ {
		batch = append(batch, rec(fmt.Sprintf("r%04d", i), time.Duration(i)*time.Millisecond, "GET", "/", 200))
	}
	seed(t, store, batch...)
	layer := NewLayer(store, zerolog.Nop())

	got, err := layer.Records(context.Background(), Params{Limit: 5000})
	require.NoError(t, err)
	assert.Len(t, got, MaxLimit)
}

func TestRecordsServedFromCache(t *testing.T) {
	store := newStore(t)
	seed(t, store, rec("first", time.Second, "GET", "/", 200))
	cache := NewCache(16, time.Minute)
	layer := NewLayer(store, zerolog.Nop(), WithCache(cache))
	ctx := context.Background()

	got, err := layer.Records(ctx, Params{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, ids(got))

	seed(t, store, rec("second", 2*time.Second, "GET", "/", 200))

	got, err = layer.Records(ctx, Params{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, ids(got))

	cache.Clear()
	got, err = layer.Records(ctx, Params{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, ids(got))
}

func TestSnapshots(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		snap := types.NewSystemSnapshot(base.Add(time.Duration(i)*time.Minute), types.Usage{CPUUsagePercent: float64(i)})
		require.NoError(t, store.SaveSnapshot(ctx, &snap))
	}
	layer := NewLayer(store, zerolog.Nop())

	got, err := layer.Snapshots(ctx, Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].CPUUsagePercent)
	assert.Equal(t, 2.0, got[1].CPUUsagePercent)

	to := base.Add(time.Minute)
	got, err = layer.Snapshots(ctx, Params{Limit: 100, EndTime: &to})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordAndOperations(t *testing.T) {
	store := newStore(t)
	seed(t, store, rec("known", time.Second, "GET", "/", 200))
	ctx := context.Background()
	require.NoError(t, store.SaveQueryMetric(ctx, &types.QueryMetric{
		RequestID: "known", Operation: "SELECT * FROM users", DurationMS: 3, Timestamp: base,
	}))
	layer := NewLayer(store, zerolog.Nop())

	got, found, err := layer.Record(ctx, "known")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "known", got.RequestID)

	_, found, err = layer.Record(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = layer.Record(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidParams)

	ops, err := layer.Operations(ctx, "known")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "SELECT * FROM users", ops[0].Operation)
}

func TestParseParams(t *testing.T) {
	values := url.Values{
		"limit":         {"5000"},
		"offset":        {"20"},
		"start_time":    {"2025-03-10T09:00:00Z"},
		"end_time":      {"2025-03-10T10:00:00.5+01:00"},
		"method":        {"GET"},
		"path_contains": {"users"},
		"status_code":   {"404"},
	}

	p, err := ParseParams(values, DefaultRecordLimit)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, 20, p.Offset)
	require.NotNil(t, p.StartTime)
	assert.True(t, p.StartTime.Equal(base))
	require.NotNil(t, p.EndTime)
	assert.True(t, p.EndTime.Equal(base.Add(500*time.Millisecond)))
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "users", p.PathContains)
	assert.Equal(t, 404, p.StatusCode)
	assert.NoError(t, p.Validate())
}

func TestParseParamsDefaults(t *testing.T) {
	p, err := ParseParams(url.Values{}, DefaultSnapshotLimit)
	require.NoError(t, err)
	assert.Equal(t, DefaultSnapshotLimit, p.Limit)
	assert.Zero(t, p.Offset)
	assert.Nil(t, p.StartTime)
	assert.Nil(t, p.EndTime)
}

func TestParseParamsMalformed(t *testing.T) {
	for name, values := range map[string]url.Values{
		"limit":       {"limit": {"ten"}},
		"offset":      {"offset": {"1.5"}},
		"status_code": {"status_code": {"ok"}},
		"start_time":  {"start_time": {"yesterday"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(values, DefaultRecordLimit)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestParseParamsNegativeLimitFailsValidation(t *testing.T) {
	p, err := ParseParams(url.Values{"limit": {"-1"}}, DefaultRecordLimit)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
}
