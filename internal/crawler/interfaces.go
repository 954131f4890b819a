package crawler

import (
	"context"
	"time"
)

// Store persists crawl output and answers frontier queries. Implementations
// must write a page and its links as one atomic unit.
type Store interface {
	// GetFrontierBatch returns one page of distinct frontier URLs, ordered
	// by backlink insertion id. Ordering is stable across calls.
	GetFrontierBatch(ctx context.Context, page, size int) ([]string, error)
	// CountFrontier returns the total number of distinct frontier URLs.
	CountFrontier(ctx context.Context) (int, error)
	// AlreadyCrawled reports whether a page row exists for url within the
	// recrawl window.
	AlreadyCrawled(ctx context.Context, url string) (bool, error)

	CreateSession(ctx context.Context, session Session) error
	EndSession(ctx context.Context, sessionID string, status SessionStatus) error

	// WritePageWithLinks persists a page and every link extracted from the
	// same fetch, all-or-nothing.
	WritePageWithLinks(ctx context.Context, page Page, links []Link) error
	WritePage(ctx context.Context, page Page) error
	WriteLinks(ctx context.Context, links []Link) error

	// IterLinks streams every stored link to fn without materializing the
	// full graph. A non-nil error from fn stops the iteration.
	IterLinks(ctx context.Context, fn func(Link) error) error

	UpsertDomainScores(ctx context.Context, scores []DomainScore) error
	UpsertPageRankScores(ctx context.Context, scores []PageRankScore) error

	Stats(ctx context.Context) (CorpusStats, error)
	Close()
}

// Fetcher retrieves a URL politely. Failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// RobotsPolicy answers robots.txt queries per origin.
type RobotsPolicy interface {
	IsAllowed(ctx context.Context, url, userAgent string) bool
	CrawlDelay(ctx context.Context, origin, userAgent string) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
