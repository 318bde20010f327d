package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vjranagit/timeglass/internal/config"
	"github.com/vjranagit/timeglass/internal/telemetry"
	"github.com/vjranagit/timeglass/pkg/api"
	"github.com/vjranagit/timeglass/pkg/capture"
	"github.com/vjranagit/timeglass/pkg/collector"
	"github.com/vjranagit/timeglass/pkg/middleware"
	"github.com/vjranagit/timeglass/pkg/query"
	"github.com/vjranagit/timeglass/pkg/sampler"
	"github.com/vjranagit/timeglass/pkg/stats"
	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		listenAddr string
		profileAPI bool
		noWAL      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query API and the snapshot collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("profile-api") {
				cfg.Server.ProfileAPI = profileAPI
			}
			if noWAL {
				cfg.Storage.EnableWAL = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "API listen address")
	cmd.Flags().BoolVar(&profileAPI, "profile-api", false, "Profile the API's own requests")
	cmd.Flags().BoolVar(&noWAL, "no-wal", false, "Disable the write-ahead log")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	logger.Info().
		Str("version", Version).
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("db_path", cfg.Storage.Path).
		Int("retention_days", cfg.Storage.RetentionDays).
		Bool("wal", cfg.Storage.EnableWAL).
		Msg("Starting timeglass")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(reg)

	store, err := storage.NewStorage(cfg.ToStorageConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	var wal *storage.WAL
	if cfg.Storage.EnableWAL {
		n, err := storage.ReplayWAL(cfg.Storage.Path, logger, func(recs []types.ProfilingRecord) error {
			return store.SaveRecords(ctx, recs)
		})
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
		if n > 0 {
			logger.Info().Int("records", n).Msg("Replayed write-ahead log")
		}
		if wal, err = storage.NewWAL(cfg.Storage.Path); err != nil {
			return err
		}
	}

	writer := storage.NewBatchWriter(store, wal, cfg.ToBatchConfig(), logger, metrics)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close batch writer")
		}
	}()

	smp := sampler.Select(ctx, cfg.ToSamplerConfig(), logger)

	collectorCtx, stopCollector := context.WithCancel(ctx)
	defer stopCollector()
	snapshots := collector.NewSnapshotCollector(smp, store, cfg.ToCollectorConfig(), logger)
	go func() { _ = snapshots.Start(collectorCtx) }()

	var layerOpts []query.Option
	if cfg.Query.CacheTTL > 0 {
		layerOpts = append(layerOpts, query.WithCache(query.NewCache(cfg.Query.CacheSize, cfg.Query.CacheTTL)))
	}
	layer := query.NewLayer(store, logger, layerOpts...)
	aggregator := stats.New(store, stats.WithWindow(cfg.Query.StatsWindow))

	apiOpts := []api.Option{api.WithMetrics(metrics, reg)}
	if cfg.Server.ProfileAPI {
		engine := capture.New(smp, logger, capture.WithMetrics(metrics))
		hooks := middleware.NewHooks(engine, writer, logger)
		profiler := middleware.NewProfiler(hooks,
			middleware.WithSkipPaths("/health", "/metrics"),
			middleware.WithOperationSink(writer),
		)
		apiOpts = append(apiOpts, api.WithProfiler(profiler))
		logger.Info().Msg("Profiling API requests")
	}

	server := api.NewServer(cfg.Server.ListenAddr, layer, aggregator, logger, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutdown signal received, stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
