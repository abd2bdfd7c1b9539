// Package server builds the dispatch engine's components from configuration
// and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rss-dispatch/internal/api"
	"github.com/JakeFAU/rss-dispatch/internal/clock/system"
	"github.com/JakeFAU/rss-dispatch/internal/config"
	"github.com/JakeFAU/rss-dispatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/rss-dispatch/internal/fetcher/colly"
	"github.com/JakeFAU/rss-dispatch/internal/hash/sha256"
	"github.com/JakeFAU/rss-dispatch/internal/id/uuid"
	"github.com/JakeFAU/rss-dispatch/internal/lease"
	"github.com/JakeFAU/rss-dispatch/internal/metrics"
	"github.com/JakeFAU/rss-dispatch/internal/parser"
	"github.com/JakeFAU/rss-dispatch/internal/policy/breaker"
	"github.com/JakeFAU/rss-dispatch/internal/policy/ratelimit"
	"github.com/JakeFAU/rss-dispatch/internal/progress"
	"github.com/JakeFAU/rss-dispatch/internal/queue"
	"github.com/JakeFAU/rss-dispatch/internal/telemetry"
	"github.com/JakeFAU/rss-dispatch/internal/worker"
)

// Role selects which loops a process runs.
type Role string

// Process roles.
const (
	RoleLease Role = "lease"
	RoleWork  Role = "work"
	RoleAll   Role = "all"
)

func (r Role) leases() bool { return r == RoleLease || r == RoleAll }
func (r Role) works() bool  { return r == RoleWork || r == RoleAll }

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	role   Role

	store       Store
	closeStore  func()
	queue       queue.Provider
	storage     *storage.Client
	manager     *lease.Manager
	pool        *dispatcher.Pool
	progressHub *progress.Hub
	apiServer   *api.Server
	tracer      *sdktrace.TracerProvider
}

// reaper is implemented by queues that keep entries abandoned by dead
// consumers until someone clears them.
type reaper interface {
	Reap(ctx context.Context, minIdle time.Duration) (int, error)
}

// Build creates the dependencies needed by role.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, role Role) (*App, error) {
	if !role.leases() && !role.works() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, "rss-dispatch-"+string(role))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, role: role, tracer: tp}
	logger.Info("building application dependencies",
		zap.String("role", string(role)),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
	)
	if role != RoleAll && (cfg.Store.Backend == config.BackendMemory || cfg.Queue.Backend == config.BackendMemory) {
		logger.Warn("in-memory backends are not shared between processes; use the run command")
	}

	app.store, app.closeStore, err = OpenStore(ctx, cfg, logger)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	app.queue, err = OpenQueue(ctx, cfg, logger)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	clock := system.New()
	if role.leases() {
		app.manager = lease.New(app.store, app.queue, clock, uuid.New(), lease.Config{
			StaleInterval: cfg.StaleInterval(),
			CheckInterval: cfg.CheckInterval(),
		}, logger.Named("lease"))
	}
	if role.works() {
		app.pool, err = setupPool(ctx, app)
		if err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	app.apiServer = api.NewServer(app.store, clock, cfg.StaleInterval(), logger.Named("api"))
	return app, nil
}

func setupPool(ctx context.Context, app *App) (*dispatcher.Pool, error) {
	cfg := app.cfg
	archive, err := openArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Duration("timeout", cfg.FetchTimeout()),
	)

	var content worker.ContentFetcher
	if cfg.Crawler.FetchFullContent {
		content = worker.NewPageFetcher(
			fetcher,
			ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.Crawler.PageRPS,
				DefaultBurst: cfg.Crawler.PageBurst,
			}),
			breaker.New(breaker.DefaultConfig(), app.logger.Named("breaker")),
		)
		app.logger.Info("full content fetching enabled",
			zap.Float64("page_rps", cfg.Crawler.PageRPS),
			zap.Int("page_burst", cfg.Crawler.PageBurst),
		)
	}

	workerCfg := worker.Config{
		BulkInsertThreshold: cfg.Crawler.BulkInsertThreshold,
		FetchFullContent:    cfg.Crawler.FetchFullContent,
		ArchivePrefix:       cfg.Archive.Prefix,
	}
	app.logger.Info("worker config",
		zap.Int("bulk_insert_threshold", workerCfg.BulkInsertThreshold),
		zap.Bool("fetch_full_content", workerCfg.FetchFullContent),
		zap.Int("threads_num", cfg.Pool.ThreadsNum),
	)

	w := worker.New(
		app.store,
		fetcher,
		parser.New(),
		sha256.New(),
		system.New(),
		content,
		archive,
		workerCfg,
		app.logger.Named("worker"),
	)
	poolCfg := dispatcher.Config{ThreadsNum: cfg.Pool.ThreadsNum, MaxRejects: cfg.Pool.MaxRejects}
	if cfg.Progress.Enabled {
		app.progressHub = progress.NewHub(progress.Config{
			BufferSize:    cfg.Progress.BufferSize,
			FlushInterval: cfg.ProgressFlushInterval(),
			Logger:        app.logger.Named("progress"),
		}, progress.NewLogSink(app.logger.Named("progress")))
		poolCfg.OnResult = func(res worker.Result) {
			app.progressHub.Emit(progressEvent(res, time.Now()))
		}
		app.logger.Info("crawl summary enabled", zap.Duration("flush_interval", cfg.ProgressFlushInterval()))
	}
	return dispatcher.New(app.queue, w, poolCfg, app.logger.Named("pool")), nil
}

func progressEvent(res worker.Result, now time.Time) progress.Event {
	evt := progress.Event{
		FeedURL:    res.FeedURL,
		LeaseID:    res.LeaseID,
		TS:         now.UTC(),
		Outcome:    string(res.Outcome),
		NewEntries: res.NewEntries,
		Skipped:    res.Skipped,
		Mode:       string(res.Mode),
		Acked:      res.Acked,
		Dur:        res.Duration,
	}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}
	return evt
}

// Run starts the role's loops plus the admin HTTP server and blocks until
// the context is canceled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("role", string(a.role)))
	g, gctx := errgroup.WithContext(ctx)

	if a.manager != nil {
		g.Go(func() error { return a.manager.Run(gctx) })
		if r, ok := a.queue.(reaper); ok && a.cfg.RedisReapInterval() > 0 {
			g.Go(func() error { return a.runReaper(gctx, r, a.cfg.RedisReapInterval()) })
		}
	}
	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run %s: %w", a.role, err)
	}
	return nil
}

// runReaper clears queue entries whose consumer died before settling them.
// An entry idle for longer than the stale interval belongs to a lease the
// sweep has already reclaimed.
func (a *App) runReaper(ctx context.Context, r reaper, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := r.Reap(ctx, a.cfg.StaleInterval())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("queue reap failed", zap.Error(err))
			continue
		}
		if n > 0 {
			a.logger.Info("reaped abandoned queue entries", zap.Int("count", n))
		}
	}
}

// Close releases every connection opened by Build. The pool must have
// returned from Run first so no task still holds a delivery.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.progressHub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		a.closeStore()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
	}
}

// Store returns the feed store built for the app.
func (a *App) Store() Store {
	return a.store
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}
