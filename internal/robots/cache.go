// Package robots fetches, parses, and caches per-origin robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

const (
	okTTL       = 24 * time.Hour
	negativeTTL = time.Hour
	failOpenTTL = 5 * time.Minute
	maxBodySize = 1 << 20
)

// Cache answers allow/deny and crawl-delay queries per origin. Parsed robots
// are cached for 24h, 4xx responses negative-cache allow-all for 1h, and a
// network failure fails open for 5 minutes so the fetcher is never starved.
// Concurrent misses on the same origin share a single in-flight fetch.
type Cache struct {
	client  *http.Client
	respect bool
	clock   crawler.Clock
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

type entry struct {
	data      *robotstxt.RobotsData // nil means allow-all
	expiresAt time.Time
}

// New builds a Cache. With respect=false every query answers allow with no
// network traffic.
func New(respect bool, clock crawler.Clock, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		respect: respect,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// IsAllowed reports whether userAgent may fetch rawURL.
func (c *Cache) IsAllowed(ctx context.Context, rawURL, userAgent string) bool {
	if !c.respect {
		return true
	}
	origin, err := crawler.Origin(rawURL)
	if err != nil {
		return false
	}
	data := c.load(ctx, origin)
	if data == nil {
		return true
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	return group.Test(pathOf(rawURL))
}

// CrawlDelay returns the robots crawl-delay for the origin, or zero when the
// directive is absent.
func (c *Cache) CrawlDelay(ctx context.Context, origin, userAgent string) time.Duration {
	if !c.respect {
		return 0
	}
	data := c.load(ctx, strings.ToLower(origin))
	if data == nil {
		return 0
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

func (c *Cache) load(ctx context.Context, origin string) *robotstxt.RobotsData {
	now := c.clock.Now()

	c.mu.RLock()
	cached, ok := c.entries[origin]
	c.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.data
	}

	// One fetch per origin; concurrent waiters park on the flight.
	result, _, _ := c.group.Do(origin, func() (any, error) {
		e := c.fetch(ctx, origin)
		c.mu.Lock()
		c.entries[origin] = e
		c.mu.Unlock()
		return e, nil
	})
	e, ok := result.(*entry)
	if !ok {
		return nil
	}
	return e.data
}

func (c *Cache) fetch(ctx context.Context, origin string) *entry {
	now := c.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return &entry{expiresAt: now.Add(failOpenTTL)}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("robots fetch failed; failing open",
			zap.String("origin", origin),
			zap.Error(err),
		)
		return &entry{expiresAt: now.Add(failOpenTTL)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Missing or forbidden robots means no restrictions.
		return &entry{expiresAt: now.Add(negativeTTL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.logger.Warn("read robots body failed; failing open",
			zap.String("origin", origin),
			zap.Error(err),
		)
		return &entry{expiresAt: now.Add(failOpenTTL)}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.logger.Warn("parse robots failed; failing open",
			zap.String("origin", origin),
			zap.Error(fmt.Errorf("parse robots: %w", err)),
		)
		return &entry{expiresAt: now.Add(failOpenTTL)}
	}
	return &entry{data: data, expiresAt: now.Add(okTTL)}
}
