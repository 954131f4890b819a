// Package scheduler drives the batch-resumable crawl loop.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/extractor"
	"github.com/TheBoringRats/ratcrowler/internal/metrics"
	"github.com/TheBoringRats/ratcrowler/internal/progress"
)

// TargetChooser picks the database annotated on new sessions and answers
// whether any capacity is left before a batch starts.
type TargetChooser interface {
	ChooseWriteTarget() (string, error)
}

// Config controls the crawl loop.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	IdleWait       time.Duration
	DrainWait      time.Duration
	// ConfigSnapshot is stored verbatim on every session row.
	ConfigSnapshot any
}

// Scheduler owns Progress and coordinates one batch at a time: pull a page
// of frontier URLs, filter, fan out to the fetch workers, persist results,
// and commit the checkpoint. It is single-threaded; only the worker pool
// inside a batch runs concurrently.
type Scheduler struct {
	store     crawler.Store
	fetcher   crawler.Fetcher
	extractor *extractor.Extractor
	tracker   *progress.Tracker
	targets   TargetChooser
	idGen     crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
	cfg       Config

	snapshotJSON string
}

// New builds a Scheduler.
func New(
	store crawler.Store,
	fetcher crawler.Fetcher,
	ex *extractor.Extractor,
	tracker *progress.Tracker,
	targets TargetChooser,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 30 * time.Second
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshot := "{}"
	if cfg.ConfigSnapshot != nil {
		if data, err := json.Marshal(cfg.ConfigSnapshot); err == nil {
			snapshot = string(data)
		}
	}
	return &Scheduler{
		store:        store,
		fetcher:      fetcher,
		extractor:    ex,
		tracker:      tracker,
		targets:      targets,
		idGen:        idGen,
		clock:        clock,
		logger:       logger.Named("scheduler"),
		cfg:          cfg,
		snapshotJSON: snapshot,
	}
}

// Run executes the crawl loop until ctx is cancelled (clean drain, nil
// return) or a fatal store/capacity error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	p := s.tracker.Load()
	// A changed batch size takes effect on the next batch; the page
	// counter is deliberately not rescaled.
	if p.BatchSize != s.cfg.BatchSize {
		s.logger.Info("batch size changed",
			zap.Int("was", p.BatchSize),
			zap.Int("now", s.cfg.BatchSize),
		)
		p.BatchSize = s.cfg.BatchSize
	}
	p.Running = true
	if err := s.tracker.Commit(p); err != nil {
		return fmt.Errorf("commit initial progress: %w", err)
	}

	defer func() {
		final := s.tracker.Snapshot()
		final.Running = false
		final.ActiveSessionID = ""
		if err := s.tracker.Commit(final); err != nil {
			s.logger.Warn("final progress commit failed", zap.Error(err))
		}
	}()

	// lastRescanTotal remembers the frontier size at the last wraparound so
	// a fully-crawled frontier idles instead of rescanning in a loop.
	lastRescanTotal := -1
	for {
		if ctx.Err() != nil {
			s.logger.Info("shutdown requested; scheduler stopping")
			return nil
		}

		total, err := s.store.CountFrontier(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("count frontier: %w", err)
		}
		metrics.SetFrontierSize(total)
		p = s.tracker.Snapshot()
		p.TotalURLs = total

		urls, err := s.store.GetFrontierBatch(ctx, p.CurrentPage, p.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch frontier batch: %w", err)
		}

		if len(urls) == 0 {
			if total > p.Processed && total > lastRescanTotal {
				// The frontier grew while our offset ran past the end.
				// Restart from page one; dedup skips what is already done.
				s.logger.Info("frontier grew past current offset; rescanning",
					zap.Int("total", total),
					zap.Int("processed", p.Processed),
				)
				lastRescanTotal = total
				p.CurrentPage = 1
				if err := s.tracker.Commit(p); err != nil {
					return fmt.Errorf("commit rescan progress: %w", err)
				}
				continue
			}
			if err := s.tracker.Commit(p); err != nil {
				return fmt.Errorf("commit idle progress: %w", err)
			}
			if err := s.idle(ctx); err != nil {
				return nil
			}
			continue
		}

		fresh, err := s.filterBatch(ctx, urls)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("filter batch: %w", err)
		}

		if len(fresh) == 0 {
			// Everything filtered pre-fetch still consumes the page.
			p.CurrentPage++
			if err := s.tracker.Commit(p); err != nil {
				return fmt.Errorf("commit filtered progress: %w", err)
			}
			continue
		}

		outcome, err := s.runBatch(ctx, p, fresh)
		if err != nil {
			return err
		}
		if outcome == batchDrained {
			return nil
		}
	}
}

// idle waits for new frontier rows or shutdown.
func (s *Scheduler) idle(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.IdleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// filterBatch normalizes, dedups, and drops already-crawled URLs.
func (s *Scheduler) filterBatch(ctx context.Context, urls []string) ([]string, error) {
	seen := make(map[string]struct{}, len(urls))
	fresh := make([]string, 0, len(urls))
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			s.logger.Debug("dropping unnormalizable frontier url",
				zap.String("url", raw),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		crawled, err := s.store.AlreadyCrawled(ctx, normalized)
		if err != nil {
			return nil, err
		}
		if crawled {
			continue
		}
		fresh = append(fresh, normalized)
	}
	return fresh, nil
}
