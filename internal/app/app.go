// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/trackbuffer/internal/collector"
	"github.com/bissquit/trackbuffer/internal/collector/httpapi"
	kafkacollector "github.com/bissquit/trackbuffer/internal/collector/kafka"
	"github.com/bissquit/trackbuffer/internal/config"
	"github.com/bissquit/trackbuffer/internal/flush"
	"github.com/bissquit/trackbuffer/internal/ingest"
	"github.com/bissquit/trackbuffer/internal/jobslot"
	"github.com/bissquit/trackbuffer/internal/kv"
	"github.com/bissquit/trackbuffer/internal/kv/pebblestore"
	kvpostgres "github.com/bissquit/trackbuffer/internal/kv/postgres"
	"github.com/bissquit/trackbuffer/internal/kv/redisstore"
	"github.com/bissquit/trackbuffer/internal/pkg/httputil"
	"github.com/bissquit/trackbuffer/internal/pkg/metrics"
	"github.com/bissquit/trackbuffer/internal/pkg/postgres"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/bissquit/trackbuffer/internal/telemetry"
	"github.com/bissquit/trackbuffer/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	clock         clockwork.Clock
	kv            kv.Store
	db            *pgxpool.Pool
	logs          *telemetry.LogBuffer
	replays       *telemetry.ReplayBuffer
	sender        collector.Sender
	worker        *flush.Worker
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	// base writes to stdout only. Buffers log through it so that their own
	// warnings never re-enter a buffer.
	base := initLogger(cfg.Log)
	clock := clockwork.NewRealClock()

	app := &App{
		config: cfg,
		clock:  clock,
	}

	store, db, err := openKV(cfg, clock, base)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	app.kv = store
	app.db = db

	app.logs = telemetry.OpenLogBuffer(telemetry.LogBufferConfig{
		Persist:  cfg.LogBuffer.Persist,
		Dir:      cfg.LogBuffer.Dir,
		Capacity: cfg.LogBuffer.Capacity,
	}, afero.NewOsFs(), clock, base)

	var replayStore kv.Store
	if cfg.ReplayBuffer.Persist {
		replayStore = store
	}
	app.replays = telemetry.OpenReplayBuffer(context.Background(), replayStore, telemetry.ReplayBufferConfig{
		Capacity:        cfg.ReplayBuffer.Capacity,
		PersistInterval: cfg.ReplayBuffer.PersistInterval,
		BatchSize:       cfg.ReplayBuffer.BatchSize,
		BatchInterval:   cfg.ReplayBuffer.BatchInterval,
	}, clock, base)

	app.logger = slog.New(telemetry.NewFanoutHandler(
		base.Handler(),
		telemetry.NewLogHandler(app.logs, parseLevel(cfg.Log.CaptureLevel)),
	))
	slog.SetDefault(app.logger)

	app.sender, err = newSender(cfg.Collector, clock, app.logger)
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("create collector sender: %w", err)
	}

	driver := retry.NewDriver(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}, clock)

	flusher := flush.NewFlusher(app.logs, app.replays, app.sender, driver)
	app.worker = flush.NewWorker(flush.WorkerConfig{
		LogInterval:        cfg.Flush.LogInterval,
		ReplayInterval:     cfg.Flush.ReplayInterval,
		MaxConcurrentJobs:  cfg.Flush.MaxConcurrentJobs,
		JobTimeout:         cfg.Flush.JobTimeout,
		BatchCheckInterval: cfg.Flush.BatchCheckInterval,
	}, flusher, jobslot.New(), clock, app.logger)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel
	if app.db != nil {
		go app.collectDBMetrics(metricsCtx)
	}

	return app, nil
}

// Run starts the flush worker and the HTTP servers. It blocks until the API
// server stops.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the servers and the worker, makes a last attempt to
// deliver buffered telemetry and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.worker.Stop()

	if err := a.worker.FlushAll(ctx); err != nil {
		a.logger.Warn("final flush incomplete, entries stay buffered", "error", err)
	}

	if err := a.sender.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sender: %w", err))
	}
	errs = append(errs, a.closeStores())

	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log buffer: %w", err))
		}
	}
	if a.replays != nil {
		if err := a.replays.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replay buffer: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kv store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := a.clock.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the flush worker. Used in tests.
func (a *App) Worker() *flush.Worker {
	return a.worker
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, slog.LevelDebug))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/v1", ingest.NewHandler(a.logs, a.replays, a.worker).RegisterRoutes)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func openKV(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (kv.Store, *pgxpool.Pool, error) {
	if !cfg.ReplayBuffer.Persist {
		return nil, nil, nil
	}

	switch cfg.Storage.Backend {
	case config.BackendPebble:
		store, err := pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.Storage.Pebble.DataDir,
			Fsync:         pebblestore.FsyncMode(cfg.Storage.Pebble.Fsync),
			FsyncInterval: cfg.Storage.Pebble.FsyncInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.BackendPostgres:
		pg := cfg.Storage.Postgres
		ctx, cancel := context.WithTimeout(context.Background(), pg.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             pg.URL,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			ConnectAttempts: pg.ConnectAttempts,
		}, clock, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := kvpostgres.Migrate(pg.URL); err != nil {
			db.Close()
			return nil, nil, err
		}
		return kvpostgres.NewStore(db, pg.Namespace), db, nil

	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := redisstore.Open(ctx, redisstore.Config{
			Addr:      cfg.Storage.Redis.Addr,
			Username:  cfg.Storage.Redis.Username,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	default:
		return kv.NewMemory(), nil, nil
	}
}

func newSender(cfg config.CollectorConfig, clock clockwork.Clock, logger *slog.Logger) (collector.Sender, error) {
	if cfg.Transport == config.TransportKafka {
		return kafkacollector.NewPublisher(kafkacollector.Config{
			Brokers:      cfg.Kafka.Brokers,
			LogsTopic:    cfg.Kafka.LogsTopic,
			ReplaysTopic: cfg.Kafka.ReplaysTopic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, clock, logger)
	}

	return httpapi.NewClient(httpapi.Config{
		BaseURL:        cfg.URL,
		PublishableKey: cfg.PublishableKey,
		Timeout:        cfg.Timeout,
		RateLimit:      cfg.RateLimit,
		Burst:          cfg.Burst,
		UserAgent:      "trackbuffer/" + version.Version,
	}, logger)
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
