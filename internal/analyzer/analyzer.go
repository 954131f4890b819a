package analyzer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/metrics"
)

// Config tunes one analyzer pass.
type Config struct {
	SpamKeywords  []string
	SpamThreshold float64
}

// Result summarizes one completed pass.
type Result struct {
	GraphNodes   int
	GraphEdges   int
	Domains      int
	FlaggedLinks []crawler.Link
	Duration     time.Duration
}

// Analyzer runs the offline link-graph pass: build the graph from stored
// edges, compute PageRank and domain authority, flag spam, and write the
// scores back. The pass is idempotent.
type Analyzer struct {
	store  crawler.Store
	clock  crawler.Clock
	logger *zap.Logger
	scorer *spamScorer
}

// New builds an Analyzer.
func New(store crawler.Store, cfg Config, clock crawler.Clock, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.SpamThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Analyzer{
		store:  store,
		clock:  clock,
		logger: logger.Named("analyzer"),
		scorer: newSpamScorer(cfg.SpamKeywords, threshold),
	}
}

// Run executes one full pass.
func (a *Analyzer) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	g := newGraph()
	if err := a.store.IterLinks(ctx, func(link crawler.Link) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.addLink(link)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("load link graph: %w", err)
	}

	result := Result{GraphNodes: g.size(), GraphEdges: len(g.links)}
	if g.size() == 0 {
		a.logger.Info("link graph empty; nothing to analyze")
		return result, nil
	}

	ranks := pagerank(g)
	now := a.clock.Now()

	rankScores := make([]crawler.PageRankScore, g.size())
	for i, url := range g.urls {
		rankScores[i] = crawler.PageRankScore{URL: url, Score: ranks[i], UpdatedAt: now}
	}
	if err := a.store.UpsertPageRankScores(ctx, rankScores); err != nil {
		return result, fmt.Errorf("persist pagerank scores: %w", err)
	}

	domainScores := domainAuthority(g, ranks)
	for i := range domainScores {
		domainScores[i].UpdatedAt = now
	}
	if err := a.store.UpsertDomainScores(ctx, domainScores); err != nil {
		return result, fmt.Errorf("persist domain scores: %w", err)
	}
	result.Domains = len(domainScores)

	for _, link := range g.links {
		if a.scorer.flag(link, g.outDegree[link.SourceURL]) {
			result.FlaggedLinks = append(result.FlaggedLinks, link)
		}
	}
	if len(result.FlaggedLinks) > 0 {
		a.logger.Info("spam links flagged",
			zap.Int("count", len(result.FlaggedLinks)),
			zap.Int("corpus", len(g.links)),
		)
	}

	result.Duration = time.Since(start)
	metrics.ObserveAnalyzerPass(result.Duration, result.GraphNodes)
	a.logger.Info("analyzer pass complete",
		zap.Int("nodes", result.GraphNodes),
		zap.Int("edges", result.GraphEdges),
		zap.Int("domains", result.Domains),
		zap.Duration("took", result.Duration),
	)
	return result, nil
}

// RunPeriodically re-runs the pass on the given interval until ctx ends.
func (a *Analyzer) RunPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("analyzer pass failed", zap.Error(err))
			}
		}
	}
}
