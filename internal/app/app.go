// Package app initializes and holds long-lived application services, acting
// as the composition root for the crawler process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TheBoringRats/ratcrowler/internal/analyzer"
	"github.com/TheBoringRats/ratcrowler/internal/api"
	"github.com/TheBoringRats/ratcrowler/internal/clock/system"
	"github.com/TheBoringRats/ratcrowler/internal/config"
	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/extractor"
	"github.com/TheBoringRats/ratcrowler/internal/fetcher"
	"github.com/TheBoringRats/ratcrowler/internal/hash/sha256"
	"github.com/TheBoringRats/ratcrowler/internal/id/uuid"
	"github.com/TheBoringRats/ratcrowler/internal/logging"
	"github.com/TheBoringRats/ratcrowler/internal/metrics"
	"github.com/TheBoringRats/ratcrowler/internal/progress"
	"github.com/TheBoringRats/ratcrowler/internal/robots"
	"github.com/TheBoringRats/ratcrowler/internal/rotation"
	"github.com/TheBoringRats/ratcrowler/internal/scheduler"
	"github.com/TheBoringRats/ratcrowler/internal/store"
)

const usageFlushInterval = 5 * time.Minute

// App holds every long-lived service of the crawler process.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Ring      *logging.Ring
	Store     *store.RotatingStore
	Manager   *rotation.Manager
	Tracker   *progress.Tracker
	Scheduler *scheduler.Scheduler
	Analyzer  *analyzer.Analyzer
	API       *api.Server

	closeOnce sync.Once
}

// New wires the full service graph from configuration. It fails fast when
// any target database is unreachable at startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	ring := logging.NewRing(cfg.Logging.RingSize, zapcore.InfoLevel)
	logger, err := logging.New(cfg.Logging.Development, ring)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	targets := make([]rotation.Target, 0, len(cfg.Databases))
	stores := make([]*store.SQLStore, 0, len(cfg.Databases))
	for _, db := range cfg.Databases {
		sqlStore, err := store.Open(ctx, db.Name, db.DSN, cfg.Crawler.RecrawlWindow(), clock, logger)
		if err != nil {
			for _, opened := range stores {
				opened.Close()
			}
			return nil, &crawler.StoreError{Err: fmt.Errorf("open database %s: %w", db.Name, err)}
		}
		stores = append(stores, sqlStore)
		targets = append(targets, rotation.Target{
			Name:              db.Name,
			URL:               db.DSN,
			StorageQuotaBytes: db.StorageQuotaBytes,
			MonthlyWriteLimit: db.MonthlyWriteLimit,
		})
	}

	manager := rotation.New(targets, clock, logger)
	rotating := store.NewRotating(stores, manager, logger)

	robotsCache := robots.New(cfg.Crawler.RespectRobots, clock, logger)
	fetch := fetcher.New(fetcher.Config{
		UserAgents:         cfg.Crawler.UserAgents(),
		MaxConcurrency:     cfg.Crawler.MaxConcurrency,
		PerHostConcurrency: cfg.Crawler.PerHostConcurrency,
		Delay:              cfg.Crawler.Delay(),
		RequestTimeout:     cfg.Crawler.RequestTimeout(),
		GlobalTimeout:      cfg.Crawler.GlobalTimeout(),
		RetryAttempts:      cfg.Crawler.RetryAttempts,
	}, robotsCache, logger)

	tracker := progress.NewTracker(cfg.Progress.File, clock, logger)

	sched := scheduler.New(
		rotating,
		fetch,
		extractor.New(hasher),
		tracker,
		manager,
		idGen,
		clock,
		scheduler.Config{
			BatchSize:      cfg.Crawler.BatchSize,
			MaxConcurrency: cfg.Crawler.MaxConcurrency,
			ConfigSnapshot: cfg.Crawler,
		},
		logger,
	)

	an := analyzer.New(rotating, analyzer.Config{
		SpamKeywords:  cfg.Analyzer.SpamKeywords,
		SpamThreshold: cfg.Analyzer.SpamThreshold,
	}, clock, logger)

	apiServer := api.NewServer(tracker, manager, rotating, ring, clock, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Ring:      ring,
		Store:     rotating,
		Manager:   manager,
		Tracker:   tracker,
		Scheduler: sched,
		Analyzer:  an,
		API:       apiServer,
	}, nil
}

// Run starts the monitoring API, the rotation prober, the periodic analyzer,
// and the usage flusher in the background, then blocks in the scheduler loop
// until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Logger.Info("monitoring api started", zap.String("addr", a.Config.Server.BindAddr))
		if err := a.API.Serve(ctx, a.Config.Server.BindAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("monitoring api stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Manager.Run(ctx, a.Store)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Analyzer.RunPeriodically(ctx, time.Duration(a.Config.Analyzer.IntervalHours)*time.Hour)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(usageFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := a.Manager.Flush(flushCtx, a.Store); err != nil {
					a.Logger.Warn("usage flush failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()

	err := a.Scheduler.Run(ctx)
	wg.Wait()
	return err
}

// Close flushes usage counters and releases every backend connection. It is
// safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Manager.Flush(flushCtx, a.Store); err != nil {
			a.Logger.Warn("final usage flush failed", zap.Error(err))
		}
		a.Store.Close()
		_ = a.Logger.Sync()
	})
}
