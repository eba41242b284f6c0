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

	"github.com/bissquit/contest-sync/internal/accounts"
	accountspostgres "github.com/bissquit/contest-sync/internal/accounts/postgres"
	"github.com/bissquit/contest-sync/internal/config"
	"github.com/bissquit/contest-sync/internal/kv"
	kvpostgres "github.com/bissquit/contest-sync/internal/kv/postgres"
	kvredis "github.com/bissquit/contest-sync/internal/kv/redis"
	kvsqlite "github.com/bissquit/contest-sync/internal/kv/sqlite"
	"github.com/bissquit/contest-sync/internal/pkg/ctxlog"
	"github.com/bissquit/contest-sync/internal/pkg/httputil"
	"github.com/bissquit/contest-sync/internal/pkg/metrics"
	"github.com/bissquit/contest-sync/internal/pkg/postgres"
	"github.com/bissquit/contest-sync/internal/provider"
	"github.com/bissquit/contest-sync/internal/scheduler"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/bissquit/contest-sync/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

const poolMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         goredis.UniversalClient
	state         kv.Store
	closeState    func() error
	scheduler     *scheduler.Scheduler
	worker        *scheduler.Worker
	updater       *updater.Service
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New connects to the backing stores and wires the update engine.
// Nothing is started until Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied", "dir", cfg.Database.MigrationsDir)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	if cfg.Redis.Addr != "" {
		app.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	app.state, app.closeState, err = openState(cfg.State, db, app.redis, cfg.Redis.KeyPrefix)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	metrics.SetBuildInfo(version.Version, version.GitCommit, cfg.State.Driver)

	app.wireEngine()

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel
	go app.collectPoolMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

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

	return app, nil
}

func (a *App) wireEngine() {
	cfg := a.config

	accountsService := accounts.NewService(accountspostgres.NewRepository(a.db))
	client := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		RequestTimeout: cfg.Provider.RequestTimeout,
		RateLimit:      cfg.Provider.RateLimit,
		Burst:          cfg.Provider.Burst,
	})
	fetcher := provider.NewFetcher(client, accountsService)

	// A nil *scheduler.Scheduler must not reach the engine as a non-nil interface.
	var sched updater.Scheduler
	if cfg.Redis.Addr != "" {
		a.scheduler = scheduler.New(a.redisOpt(), cfg.Worker.Queue, cfg.Worker.TaskTimeout)
		sched = a.scheduler
	} else {
		a.logger.Warn("redis not configured, batches run in-process")
	}

	a.updater = updater.NewService(updaterConfig(cfg.Updater), a.state, fetcher, accountsService, accountsService, sched)

	if a.scheduler != nil {
		a.worker = scheduler.NewWorker(a.redisOpt(), scheduler.WorkerConfig{
			Concurrency:      cfg.Worker.Concurrency,
			Queue:            cfg.Worker.Queue,
			AutoUpdateCron:   cfg.Worker.AutoUpdateCron,
			CleanupCron:      cfg.Worker.CleanupCron,
			CleanupOlderThan: cfg.Worker.CleanupOlderThan,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		}, a.updater, a.logger)
	}
}

func (a *App) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.config.Redis.Addr,
		Password: a.config.Redis.Password,
		DB:       a.config.Redis.DB,
	}
}

// Run starts the task worker and both HTTP servers. It blocks until the main server stops.
func (a *App) Run() error {
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

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
		"state_driver", a.config.State.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the worker, drains both servers and releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.worker != nil {
		a.worker.Stop()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

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

	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

// Close releases store connections without touching the servers.
// CLI commands that never call Run use it directly.
func (a *App) Close() error {
	if a.metricsCancel != nil {
		a.metricsCancel()
	}

	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close scheduler: %w", err))
		}
	}
	if a.closeState != nil {
		if err := a.closeState(); err != nil {
			errs = append(errs, fmt.Errorf("close state store: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	a.db.Close()

	return errors.Join(errs...)
}

// Updater returns the update engine.
func (a *App) Updater() *updater.Service {
	return a.updater
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		metrics.RecordPostgresPool(a.db)
		if a.redis != nil {
			metrics.RecordRedisPool(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(poolMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/v1/updates", func(r chi.Router) {
		r.Use(httputil.OperatorMiddleware)
		updater.NewHandler(a.updater).RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "postgres", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "redis", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// openState builds the configured state store. The returned closer is never nil.
func openState(cfg config.StateConfig, db *pgxpool.Pool, rdb goredis.UniversalClient, redisPrefix string) (kv.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres state driver needs a database connection")
		}
		return kvpostgres.NewStore(db), noop, nil
	case config.DriverRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis state driver needs redis.addr")
		}
		return kvredis.NewStore(rdb, redisPrefix), noop, nil
	case config.DriverSQLite:
		store, err := kvsqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverMemory:
		slog.Warn("memory state driver selected, queue state is lost on restart")
		return kv.NewMemory(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

func updaterConfig(c config.UpdaterConfig) updater.Config {
	return updater.Config{
		BatchSize:            c.BatchSize,
		DefaultMode:          updater.Mode(c.DefaultMode),
		Timeout:              c.Timeout,
		FirstBatchDelay:      c.FirstBatchDelay,
		SequentialDelay:      c.SequentialDelay,
		StructuralRetryDelay: c.StructuralRetryDelay,
		StallWindow:          c.StallWindow,
		HistoryLimit:         c.HistoryLimit,
		ThrottleUnit:         c.ThrottleUnit,
		ThrottleMaxDelay:     c.ThrottleMaxDelay,
		AutoUpdateEnabled:    c.AutoUpdateEnabled,
		AutoUpdateInterval:   c.AutoUpdateInterval,
	}
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
