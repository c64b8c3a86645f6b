package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/blueteamclan/clash-core/internal"
)

const (
	metricsReportInterval = 5 * time.Minute
	memoryCheckInterval   = time.Minute
	shutdownTimeout       = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	once := flag.Bool("once", false, "run one sync, print the result as JSON and exit")
	flag.Parse()

	cfg := internal.LoadConfig()
	var logOut io.Writer = os.Stdout
	if *once {
		// stdout carries the result
		logOut = os.Stderr
	}
	logger := internal.NewLoggerTo(logOut, cfg)

	configErr := cfg.Validate()
	if configErr != nil && *once {
		logger.Error("config_invalid").
			Component("main").
			Err(configErr).
			Log()
		return 2
	}

	reporter, err := internal.NewSentryReporter(cfg)
	if err != nil {
		logger.Warn("sentry_init_failed").
			Component("main").
			Err(err).
			Log()
	}
	defer reporter.Flush()
	defer reporter.Recover()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := internal.NewMetricsCollector(logger)
	cacheManager := internal.NewCacheManager(cfg)
	defer cacheManager.Close()
	cocClient := internal.NewCocAPIClient(cfg, cacheManager, logger, metrics)

	var store internal.DocumentStore
	sqlStore, err := internal.NewDocumentStore(cfg, logger)
	if err != nil {
		logger.Error("store_unavailable").
			Component("main").
			Operation("connect").
			Err(err).
			Log()
	}
	if sqlStore != nil {
		store = sqlStore
		defer sqlStore.Close()
	}

	orchestrator := internal.NewSyncOrchestrator(cfg, cocClient, store, logger, metrics)
	if reporter != nil {
		orchestrator.SetErrorReporter(reporter)
	}

	if *once {
		return runOnce(ctx, orchestrator, logger)
	}

	profiler := internal.NewProfiler(cfg, logger)
	runner := profiler.WrapRunner(orchestrator)

	syncEnabled := configErr == nil
	if !syncEnabled {
		logger.Warn("sync_disabled").
			Component("main").
			Err(configErr).
			Meta("reason", "configuration incomplete, serving proxy only").
			Log()
	}

	var publisher internal.SyncPublisher
	natsClient := connectNATS(cfg, logger)
	if natsClient != nil {
		defer natsClient.Close()
		orchestrator.SetPublisher(natsClient)
		if syncEnabled {
			if _, err := natsClient.StartSyncWorker(ctx, runner); err != nil {
				logger.Error("sync_worker_failed").
					Component("main").
					Err(err).
					Log()
			} else {
				publisher = natsClient
			}
		}
	}

	dispatcher := internal.NewSyncDispatcher(runner, publisher, logger)
	if syncEnabled {
		go internal.RunScheduler(ctx, cfg.SyncInterval, dispatcher)
	}
	go metrics.StartReporter(ctx, metricsReportInterval)
	go profiler.MonitorMemory(ctx, memoryCheckInterval)

	natsConnected := func() bool {
		return natsClient != nil && natsClient.Conn.IsConnected()
	}
	services := map[string]func() bool{
		"cache": cacheManager.Enabled,
		"nats":  natsConnected,
		"sync":  func() bool { return syncEnabled },
	}

	mux := http.NewServeMux()
	setupRoutes(mux, cfg, routeDeps{
		coc:         cocClient,
		limiter:     internal.NewRateLimiter(cfg, logger),
		reader:      internal.NewStatusReader(store, orchestrator, logger),
		dispatcher:  dispatcher,
		store:       sqlStore,
		services:    services,
		metrics:     metrics,
		syncEnabled: syncEnabled,
	}, logger)
	profiler.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	middleware := internal.NewLoggingMiddleware(logger, metrics)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           middleware.Wrap(c.Handler(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server_started").
			Component("main").
			Meta("port", cfg.AppPort).
			Meta("clan_tag", cfg.ClanTag).
			Meta("store", store != nil).
			Meta("nats", natsClient != nil).
			Log()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server_failed").
				Component("main").
				Err(err).
				Log()
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed").
			Component("main").
			Err(err).
			Log()
		return 1
	}
	logger.Info("server_stopped").
		Component("main").
		Log()
	return 0
}

type routeDeps struct {
	coc         *internal.CocAPIClient
	limiter     *internal.RateLimiter
	reader      *internal.StatusReader
	dispatcher  *internal.SyncDispatcher
	store       *internal.SQLDocumentStore
	services    map[string]func() bool
	metrics     *internal.MetricsCollector
	syncEnabled bool
}

func setupRoutes(mux *http.ServeMux, cfg *internal.Config, deps routeDeps, logger *internal.Logger) {
	var stats interface {
		Stats(ctx context.Context) (map[string]interface{}, error)
	}
	if deps.store != nil {
		stats = deps.store
	}

	mux.HandleFunc("GET /healthz", internal.HealthHandler(stats, deps.services, logger))
	mux.Handle("GET /metrics", deps.metrics.Handler())
	mux.HandleFunc("GET /metrics/summary", internal.MetricsHandler(logger, deps.metrics))

	mux.HandleFunc("GET /api/coc", internal.ProxyHandler(deps.coc, cfg.CocAPIKey, deps.limiter, logger))
	mux.HandleFunc("GET /api/coc/myip", internal.MyIPHandler(&http.Client{Timeout: 5 * time.Second}, cfg.IPEchoURL, logger))

	mux.HandleFunc("GET /clash/status", internal.StatusHandler(deps.reader, logger))
	mux.HandleFunc("GET /clash/cwl/standings", internal.StandingsHandler(deps.reader, logger))
	mux.HandleFunc("GET /clash/members", internal.MembersHandler(deps.reader, logger))
	mux.HandleFunc("GET /clash/calendar", internal.CalendarHandler(deps.reader, logger))
	if deps.syncEnabled {
		mux.HandleFunc("/clash/sync", internal.SyncHandler(deps.dispatcher, logger))
	}
}

// connectNATS returns nil when NATS is not configured or unreachable; sync
// then runs in-process.
func connectNATS(cfg *internal.Config, logger *internal.Logger) *internal.NATSClient {
	if cfg.NATSUrl == "" {
		return nil
	}
	client, err := internal.NewNATSClient(cfg, logger)
	if err != nil {
		logger.Warn("nats_unavailable").
			Component("main").
			Err(err).
			Log()
		return nil
	}
	return client
}

func runOnce(ctx context.Context, orchestrator *internal.SyncOrchestrator, logger *internal.Logger) int {
	result, err := orchestrator.Run(ctx)
	if err != nil {
		logger.Error("sync_once_failed").
			Component("main").
			Err(err).
			Log()
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("sync_once_encode_failed").
			Component("main").
			Err(err).
			Log()
		return 1
	}
	return 0
}
