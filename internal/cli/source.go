package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/internal/config"
	"github.com/vjranagit/timeglass/pkg/api"
	"github.com/vjranagit/timeglass/pkg/query"
	"github.com/vjranagit/timeglass/pkg/stats"
	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

// source is where the inspection commands read from: the local data
// directory or a running server.
type source interface {
	Summary(ctx context.Context) (types.StatsSummary, error)
	Record(ctx context.Context, id string) (types.ProfilingRecord, bool, error)
	Operations(ctx context.Context, id string) ([]types.QueryMetric, error)
	Close() error
}

func openSource(cfg *config.Config, apiURL string, logger zerolog.Logger) (source, error) {
	if apiURL != "" {
		return newAPISource(apiURL)
	}

	storageCfg := cfg.ToStorageConfig()
	storageCfg.ReadOnly = true
	store, err := storage.NewStorage(storageCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Storage.Path, err)
	}
	return &localSource{
		store:      store,
		layer:      query.NewLayer(store, logger),
		aggregator: stats.New(store, stats.WithWindow(cfg.Query.StatsWindow)),
	}, nil
}

type localSource struct {
	store      storage.Storage
	layer      *query.Layer
	aggregator *stats.Aggregator
}

func (s *localSource) Summary(ctx context.Context) (types.StatsSummary, error) {
	return s.aggregator.Summarize(ctx)
}

func (s *localSource) Record(ctx context.Context, id string) (types.ProfilingRecord, bool, error) {
	return s.layer.Record(ctx, id)
}

func (s *localSource) Operations(ctx context.Context, id string) ([]types.QueryMetric, error) {
	return s.layer.Operations(ctx, id)
}

func (s *localSource) Close() error {
	return s.store.Close()
}

type apiSource struct {
	base   *url.URL
	client *http.Client
}

func newAPISource(raw string) (*apiSource, error) {
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", raw)
	}
	return &apiSource{base: base, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

var errNotFound = errors.New("not found")

func (s *apiSource) get(ctx context.Context, path string, out any) error {
	u := s.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *apiSource) Summary(ctx context.Context) (types.StatsSummary, error) {
	var summary types.StatsSummary
	err := s.get(ctx, "/api/stats", &summary)
	return summary, err
}

func (s *apiSource) Record(ctx context.Context, id string) (types.ProfilingRecord, bool, error) {
	var rec types.ProfilingRecord
	err := s.get(ctx, "/api/requests/"+url.PathEscape(id), &rec)
	if errors.Is(err, errNotFound) {
		return types.ProfilingRecord{}, false, nil
	}
	return rec, err == nil, err
}

func (s *apiSource) Operations(ctx context.Context, id string) ([]types.QueryMetric, error) {
	var ops []types.QueryMetric
	err := s.get(ctx, "/api/requests/"+url.PathEscape(id)+"/operations", &ops)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	return ops, err
}

func (s *apiSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
