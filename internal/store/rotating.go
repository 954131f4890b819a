package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/rotation"
)

// RotatingStore implements crawler.Store over multiple target databases.
// Frontier reads come from the primary (first configured) database, which
// holds the upstream backlinks table. Writes are steered per call by the
// rotation manager and re-routed to an alternate target on failure.
type RotatingStore struct {
	manager *rotation.Manager
	logger  *zap.Logger
	order   []string
	targets map[string]*SQLStore
}

// NewRotating builds a RotatingStore. The first target is the primary.
func NewRotating(targets []*SQLStore, manager *rotation.Manager, logger *zap.Logger) *RotatingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RotatingStore{
		manager: manager,
		logger:  logger.Named("rotating_store"),
		targets: make(map[string]*SQLStore, len(targets)),
	}
	for _, t := range targets {
		r.order = append(r.order, t.Name())
		r.targets[t.Name()] = t
	}
	return r
}

func (r *RotatingStore) primary() *SQLStore {
	return r.targets[r.order[0]]
}

// Probe implements rotation.Prober by pinging the named target.
func (r *RotatingStore) Probe(ctx context.Context, name string) (rtt time.Duration, err error) {
	target, ok := r.targets[name]
	if !ok {
		return 0, fmt.Errorf("unknown database %q", name)
	}
	start := time.Now()
	if err := target.Ping(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// GetFrontierBatch reads the frontier from the primary database.
func (r *RotatingStore) GetFrontierBatch(ctx context.Context, page, size int) ([]string, error) {
	return r.primary().GetFrontierBatch(ctx, page, size)
}

// CountFrontier counts frontier URLs on the primary database.
func (r *RotatingStore) CountFrontier(ctx context.Context) (int, error) {
	return r.primary().CountFrontier(ctx)
}

// AlreadyCrawled checks every target, since past writes may have been
// rotated anywhere.
func (r *RotatingStore) AlreadyCrawled(ctx context.Context, url string) (bool, error) {
	var lastErr error
	errCount := 0
	for _, name := range r.order {
		found, err := r.targets[name].AlreadyCrawled(ctx, url)
		if err != nil {
			lastErr = err
			errCount++
			continue
		}
		if found {
			return true, nil
		}
	}
	if errCount == len(r.order) && lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// CreateSession writes the session row to every reachable target so page
// writes rotated to any of them satisfy the session foreign key.
func (r *RotatingStore) CreateSession(ctx context.Context, session crawler.Session) error {
	return r.onEach(ctx, "create session", func(t *SQLStore) error {
		return t.CreateSession(ctx, session)
	})
}

// EndSession closes the session row on every reachable target.
func (r *RotatingStore) EndSession(ctx context.Context, sessionID string, status crawler.SessionStatus) error {
	return r.onEach(ctx, "end session", func(t *SQLStore) error {
		return t.EndSession(ctx, sessionID, status)
	})
}

func (r *RotatingStore) onEach(ctx context.Context, label string, op func(*SQLStore) error) error {
	succeeded := 0
	var lastErr error
	for _, name := range r.order {
		if err := op(r.targets[name]); err != nil {
			lastErr = err
			r.logger.Warn("session write failed on target",
				zap.String("op", label),
				zap.String("db", name),
				zap.Error(err),
			)
			continue
		}
		succeeded++
	}
	if succeeded == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// WritePageWithLinks steers the write to the least-loaded eligible target,
// falling over to alternates when a target fails. Exhausting every eligible
// target yields crawler.ErrNoCapacity.
func (r *RotatingStore) WritePageWithLinks(ctx context.Context, page crawler.Page, links []crawler.Link) error {
	eligible := r.manager.EligibleTargets()
	if len(eligible) == 0 {
		return fmt.Errorf("write page %s: %w", page.URL, crawler.ErrNoCapacity)
	}
	var lastErr error
	for _, name := range eligible {
		target, ok := r.targets[name]
		if !ok {
			continue
		}
		if err := target.WritePageWithLinks(ctx, page, links); err != nil {
			lastErr = err
			r.manager.RecordHealthProbe(name, false, 0)
			r.logger.Warn("page write failed; re-routing",
				zap.String("db", name),
				zap.String("url", page.URL),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		r.manager.RecordWrite(name, 1+len(links), approxBytes(page, links))
		return nil
	}
	return fmt.Errorf("write page %s after %d targets failed: %w (last: %v)",
		page.URL, len(eligible), crawler.ErrNoCapacity, lastErr)
}

// WritePage routes a lone page write through the same rotation policy.
func (r *RotatingStore) WritePage(ctx context.Context, page crawler.Page) error {
	return r.WritePageWithLinks(ctx, page, nil)
}

// WriteLinks routes standalone link writes to the least-loaded target.
func (r *RotatingStore) WriteLinks(ctx context.Context, links []crawler.Link) error {
	name, err := r.manager.ChooseWriteTarget()
	if err != nil {
		return fmt.Errorf("write links: %w", err)
	}
	if err := r.targets[name].WriteLinks(ctx, links); err != nil {
		return err
	}
	r.manager.RecordWrite(name, len(links), approxBytes(crawler.Page{}, links))
	return nil
}

// IterLinks streams links from every target in configuration order.
func (r *RotatingStore) IterLinks(ctx context.Context, fn func(crawler.Link) error) error {
	for _, name := range r.order {
		if err := r.targets[name].IterLinks(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// UpsertDomainScores writes authority results to the primary database.
func (r *RotatingStore) UpsertDomainScores(ctx context.Context, scores []crawler.DomainScore) error {
	return r.primary().UpsertDomainScores(ctx, scores)
}

// UpsertPageRankScores writes rank results to the primary database.
func (r *RotatingStore) UpsertPageRankScores(ctx context.Context, scores []crawler.PageRankScore) error {
	return r.primary().UpsertPageRankScores(ctx, scores)
}

// UpsertDatabaseUsage flushes rotation counters to the primary's meta-table.
func (r *RotatingStore) UpsertDatabaseUsage(ctx context.Context, usage []crawler.DatabaseUsage) error {
	return r.primary().UpsertDatabaseUsage(ctx, usage)
}

// Stats merges corpus counters across every target.
func (r *RotatingStore) Stats(ctx context.Context) (crawler.CorpusStats, error) {
	merged := crawler.CorpusStats{PagesPerDay: make(map[string]int64)}
	var okPages float64
	for _, name := range r.order {
		stats, err := r.targets[name].Stats(ctx)
		if err != nil {
			return merged, err
		}
		merged.TotalPages += stats.TotalPages
		merged.TotalLinks += stats.TotalLinks
		okPages += stats.SuccessRate * float64(stats.TotalPages)
		for day, count := range stats.PagesPerDay {
			merged.PagesPerDay[day] += count
		}
	}
	if merged.TotalPages > 0 {
		merged.SuccessRate = okPages / float64(merged.TotalPages)
	}
	return merged, nil
}

// Close releases every target's pool.
func (r *RotatingStore) Close() {
	for _, name := range r.order {
		r.targets[name].Close()
	}
}

// approxBytes estimates the stored footprint of one write for quota
// accounting. Exact backend sizes are unknowable from here; text and link
// payloads dominate.
func approxBytes(page crawler.Page, links []crawler.Link) int64 {
	total := int64(len(page.URL) + len(page.Title) + len(page.CleanedText) + len(page.ContentHash) + 64)
	for _, l := range links {
		total += int64(len(l.SourceURL) + len(l.TargetURL) + len(l.AnchorText) + len(l.Context) + 32)
	}
	return total
}
