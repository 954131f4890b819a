// Package fetcher implements the polite concurrent HTTP fetcher on top of
// the Colly collector.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

const (
	maxRedirects     = 5
	maxRetryAfter    = 30 * time.Second
	maxResponseBytes = 10 << 20
)

// Config controls fetch behavior.
type Config struct {
	UserAgents         []string
	MaxConcurrency     int
	PerHostConcurrency int
	Delay              time.Duration
	RequestTimeout     time.Duration
	GlobalTimeout      time.Duration
	RetryAttempts      int
}

// Fetcher fetches single URLs with per-host and global concurrency caps,
// minimum inter-request delays, bounded redirects, and retry-with-backoff.
type Fetcher struct {
	cfg    Config
	robots crawler.RobotsPolicy
	logger *zap.Logger

	hosts  *hostTable
	global *semaphore.Weighted
	base   *colly.Collector
	uaSeq  atomic.Uint64
}

// New builds a Fetcher. robots may be nil when robots enforcement is off.
func New(cfg Config, robots crawler.RobotsPolicy, logger *zap.Logger) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{"ratcrowler/1.0"}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxResponseBytes),
		colly.IgnoreRobotsTxt(),
	)
	// Robots is enforced before any request so denials classify correctly;
	// error statuses must reach OnResponse for retry decisions.
	base.ParseHTTPErrorResponse = true

	return &Fetcher{
		cfg:    cfg,
		robots: robots,
		logger: logger,
		hosts:  newHostTable(cfg.PerHostConcurrency, cfg.Delay),
		global: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		base:   base,
	}
}

// Fetch retrieves one URL. The returned error, when non-nil, is always a
// *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	userAgent := f.nextUserAgent()

	if f.robots != nil && !f.robots.IsAllowed(ctx, rawURL, userAgent) {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.FetchRobotsDenied, URL: rawURL}
	}

	origin, err := crawler.Origin(rawURL)
	if err != nil {
		return crawler.FetchResult{}, &crawler.FetchError{
			Kind: crawler.FetchDNS,
			URL:  rawURL,
			Err:  fmt.Errorf("resolve origin: %w", err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.GlobalTimeout)
	defer cancel()

	if err := f.global.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, classify(rawURL, err, 0)
	}
	defer f.global.Release(1)

	var crawlDelay time.Duration
	if f.robots != nil {
		crawlDelay = f.robots.CrawlDelay(ctx, origin, userAgent)
	}
	host := f.hosts.get(origin, crawlDelay)
	if err := host.acquire(ctx); err != nil {
		return crawler.FetchResult{}, classify(rawURL, err, 0)
	}
	defer host.release()

	return f.fetchWithRetry(ctx, rawURL, userAgent)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL, userAgent string) (crawler.FetchResult, error) {
	usedRetryAfter := false
	for attempt := 0; ; attempt++ {
		result, retryAfter, fetchErr := f.doRequest(ctx, rawURL, userAgent)
		if fetchErr == nil {
			return result, nil
		}

		var wait time.Duration
		switch {
		case retryOnceWithAfter(fetchErr) && !usedRetryAfter:
			usedRetryAfter = true
			wait = retryAfter
			if wait <= 0 {
				wait = time.Second
			}
			if wait > maxRetryAfter {
				wait = maxRetryAfter
			}
		case retryable(fetchErr) && attempt < f.cfg.RetryAttempts:
			// 1s, 3s, 9s
			wait = time.Second * time.Duration(pow3(attempt))
		default:
			return crawler.FetchResult{}, fetchErr
		}

		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.String("kind", string(fetchErr.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)
		if err := sleep(ctx, wait); err != nil {
			return crawler.FetchResult{}, classify(rawURL, err, 0)
		}
	}
}

func (f *Fetcher) doRequest(ctx context.Context, rawURL, userAgent string) (crawler.FetchResult, time.Duration, *crawler.FetchError) {
	collector := f.base.Clone()
	collector.UserAgent = userAgent
	collector.SetRequestTimeout(f.cfg.RequestTimeout)

	// The last redirect hop is the page identity reported downstream.
	var lastRedirect string
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errTooManyRedirects
		}
		lastRedirect = req.URL.String()
		return nil
	})

	var (
		result   crawler.FetchResult
		gotBody  bool
		cbErr    error
		cbStatus int
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		finalURL := r.Request.URL.String()
		if lastRedirect != "" {
			finalURL = lastRedirect
		}
		result = crawler.FetchResult{
			URL:            rawURL,
			FinalURL:       finalURL,
			StatusCode:     r.StatusCode,
			Headers:        r.Headers.Clone(),
			Body:           append([]byte(nil), r.Body...),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
		gotBody = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			cbStatus = r.StatusCode
		}
		cbErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResult{}, 0, classify(rawURL, ctx.Err(), 0)
	case visitErr := <-done:
		if cbErr != nil {
			return crawler.FetchResult{}, 0, classify(rawURL, cbErr, cbStatus)
		}
		if visitErr != nil {
			return crawler.FetchResult{}, 0, classify(rawURL, visitErr, cbStatus)
		}
		if !gotBody {
			return crawler.FetchResult{}, 0, classify(rawURL, fmt.Errorf("no response for %s", rawURL), 0)
		}
		if result.StatusCode >= 400 {
			return crawler.FetchResult{}, parseRetryAfter(result.Headers), classify(rawURL, nil, result.StatusCode)
		}
		return result, 0, nil
	}
}

func (f *Fetcher) nextUserAgent() string {
	n := f.uaSeq.Add(1) - 1
	return f.cfg.UserAgents[n%uint64(len(f.cfg.UserAgents))]
}

func parseRetryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func pow3(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 3
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
