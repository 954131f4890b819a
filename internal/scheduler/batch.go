package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
	"github.com/TheBoringRats/ratcrowler/internal/metrics"
)

type batchOutcome int

const (
	batchCompleted batchOutcome = iota
	batchDrained
)

const (
	perURLDeadline    = 10 * time.Second
	minBatchDeadline  = 5 * time.Minute
	storeWriteTimeout = 10 * time.Second
)

// batchState accumulates per-URL results under a mutex; workers update it,
// the scheduler reads it after the pool drains.
type batchState struct {
	mu        sync.Mutex
	processed int
	succeeded int
	failed    int
	fatal     error
}

func (b *batchState) success() {
	b.mu.Lock()
	b.processed++
	b.succeeded++
	b.mu.Unlock()
}

func (b *batchState) failure() {
	b.mu.Lock()
	b.processed++
	b.failed++
	b.mu.Unlock()
}

func (b *batchState) abort(err error) {
	b.mu.Lock()
	if b.fatal == nil {
		b.fatal = err
	}
	b.mu.Unlock()
}

func (b *batchState) fatalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// counters returns a consistent view; workers abandoned past the drain
// deadline may still be mutating the state.
func (b *batchState) counters() (processed, succeeded, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed, b.succeeded, b.failed
}

func (b *batchState) markUnprocessedFailed(total int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	missing := total - b.processed
	if missing > 0 {
		b.processed += missing
		b.failed += missing
	}
	return missing
}

// runBatch processes one page of fresh URLs end to end: session creation,
// concurrent fetching, persistence, and the progress commit.
func (s *Scheduler) runBatch(ctx context.Context, p crawler.Progress, urls []string) (batchOutcome, error) {
	if _, err := s.targets.ChooseWriteTarget(); err != nil {
		// No batch is started when every database is over the cap.
		s.logger.Error("no database capacity; batch aborted before start", zap.Error(err))
		return batchCompleted, fmt.Errorf("start batch: %w", err)
	}

	session, err := s.createSession(ctx, len(urls))
	if err != nil {
		if ctx.Err() != nil {
			return batchDrained, nil
		}
		return batchCompleted, fmt.Errorf("create session: %w", err)
	}

	p.ActiveSessionID = session.ID
	if err := s.tracker.Commit(p); err != nil {
		return batchCompleted, fmt.Errorf("commit session progress: %w", err)
	}

	s.logger.Info("batch started",
		zap.Int("page", p.CurrentPage),
		zap.Int("urls", len(urls)),
		zap.String("session", session.ID),
	)

	deadline := time.Duration(len(urls)) * perURLDeadline
	if deadline < minBatchDeadline {
		deadline = minBatchDeadline
	}
	batchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	state := &batchState{}
	s.runPool(ctx, batchCtx, session, urls, state)

	if err := state.fatalErr(); err != nil {
		// Store-level failure: close out without advancing the page so the
		// batch replays after the operator intervenes.
		s.endSession(session.ID, crawler.SessionFailed)
		s.commitPartial(p, state)
		metrics.ObserveBatch("aborted")
		return batchCompleted, fmt.Errorf("batch aborted: %w", err)
	}

	processed, succeeded, failed := state.counters()
	if ctx.Err() != nil && processed < len(urls) {
		// Drain mid-batch: keep the page counter so the batch replays;
		// already-written URLs are skipped by the recrawl window.
		s.endSession(session.ID, crawler.SessionFailed)
		s.commitPartial(p, state)
		metrics.ObserveBatch("drained")
		s.logger.Info("batch drained",
			zap.Int("processed", processed),
			zap.Int("of", len(urls)),
		)
		return batchDrained, nil
	}

	// A batch whose deadline expired before every URL ran still advances,
	// so the leftovers are recorded as failures rather than silently
	// dropped.
	if missing := state.markUnprocessedFailed(len(urls)); missing > 0 {
		s.logger.Warn("batch deadline reached; counting unprocessed urls as failed",
			zap.Int("unprocessed", missing),
		)
	}
	processed, succeeded, failed = state.counters()

	p.CurrentPage++
	p.Processed += processed
	p.Succeeded += succeeded
	p.Failed += failed
	p.ActiveSessionID = ""
	if err := s.tracker.Commit(p); err != nil {
		s.endSession(session.ID, crawler.SessionFailed)
		return batchCompleted, fmt.Errorf("commit batch progress: %w", err)
	}
	s.endSession(session.ID, crawler.SessionCompleted)
	metrics.ObserveBatch("completed")

	s.logger.Info("batch committed",
		zap.Int("next_page", p.CurrentPage),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	if ctx.Err() != nil {
		return batchDrained, nil
	}
	return batchCompleted, nil
}

// runPool fans urls out to MaxConcurrency workers and waits for them. The
// wait is bounded by DrainWait once the parent context is cancelled.
func (s *Scheduler) runPool(parent, batchCtx context.Context, session crawler.Session, urls []string, state *batchState) {
	urlCh := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := s.logger.Named("worker").With(zap.Int("index", worker))
			for url := range urlCh {
				metrics.WorkerStarted()
				s.handleURL(batchCtx, logger, session, url, state)
				metrics.WorkerFinished()
			}
		}(i)
	}

feed:
	for _, url := range urls {
		if state.fatalErr() != nil {
			break
		}
		select {
		case urlCh <- url:
		case <-batchCtx.Done():
			break feed
		}
	}
	close(urlCh)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if parent.Err() == nil {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(s.cfg.DrainWait):
		s.logger.Warn("drain deadline reached with fetches still in flight")
	}
}

// handleURL runs the fetch → extract → persist pipeline for one URL.
func (s *Scheduler) handleURL(ctx context.Context, logger *zap.Logger, session crawler.Session, url string, state *batchState) {
	start := time.Now()
	result, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			metrics.ObserveFetchError(string(fe.Kind))
			metrics.ObserveFetchDuration("error", time.Since(start))
			logger.Warn("fetch failed",
				zap.String("url", url),
				zap.String("kind", string(fe.Kind)),
				zap.Int("status", fe.Status),
			)
			if fe.Kind == crawler.FetchCancelled && ctx.Err() != nil {
				// Abandoned by the drain; the URL replays next run and is
				// not counted against this batch.
				return
			}
		} else {
			logger.Warn("fetch failed", zap.String("url", url), zap.Error(err))
		}
		state.failure()
		return
	}
	metrics.ObserveFetchDuration("ok", time.Since(start))

	page, links, extractErr := s.extractor.Extract(
		result.FinalURL,
		result.Body,
		result.Headers.Get("Content-Type"),
	)
	if extractErr != nil {
		// Malformed or oversize content: the page is stored with empty
		// text, links are skipped, and the URL counts as a success.
		logger.Warn("extraction degraded", zap.String("url", url), zap.Error(extractErr))
		links = nil
	}

	now := s.clock.Now()
	page.HTTPStatus = result.StatusCode
	page.ResponseTimeMs = result.ResponseTimeMs
	page.CrawledAt = now
	page.SessionID = session.ID
	for i := range links {
		links[i].DiscoveredAt = now
		links[i].SessionID = session.ID
	}

	// Writes already in flight during a drain are allowed to finish,
	// bounded independently of the cancelled batch context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := s.store.WritePageWithLinks(writeCtx, page, links); err != nil {
		if errors.Is(err, crawler.ErrNoCapacity) || !crawler.IsTransientStoreError(err) {
			state.abort(err)
		}
		logger.Error("persist failed", zap.String("url", url), zap.Error(err))
		state.failure()
		return
	}

	metrics.ObservePage(metrics.StatusClass(result.StatusCode))
	metrics.ObserveLinks(len(links))
	state.success()
}

func (s *Scheduler) createSession(ctx context.Context, batchSize int) (crawler.Session, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return crawler.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	target := ""
	if name, err := s.targets.ChooseWriteTarget(); err == nil {
		target = name
	}
	session := crawler.Session{
		ID:         id,
		StartedAt:  s.clock.Now(),
		Status:     crawler.SessionActive,
		BatchSize:  batchSize,
		ConfigJSON: s.snapshotJSON,
		TargetDB:   target,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return crawler.Session{}, err
	}
	return session, nil
}

// endSession closes the session with its terminal status on a detached
// context so drains still mark sessions correctly.
func (s *Scheduler) endSession(sessionID string, status crawler.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := s.store.EndSession(ctx, sessionID, status); err != nil {
		s.logger.Warn("end session failed",
			zap.String("session", sessionID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// commitPartial records counters from an aborted or drained batch without
// advancing the page.
func (s *Scheduler) commitPartial(p crawler.Progress, state *batchState) {
	processed, succeeded, failed := state.counters()
	p.Processed += processed
	p.Succeeded += succeeded
	p.Failed += failed
	p.ActiveSessionID = ""
	if err := s.tracker.Commit(p); err != nil {
		s.logger.Warn("partial progress commit failed", zap.Error(err))
	}
}
