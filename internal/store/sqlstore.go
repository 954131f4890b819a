// Package store persists crawl output and answers frontier queries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

const (
	retryAttempts = 3
	retryBaseWait = 250 * time.Millisecond
)

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// SQLStore implements crawler.Store against one target database.
type SQLStore struct {
	name          string
	db            DB
	clock         crawler.Clock
	logger        *zap.Logger
	recrawlWindow time.Duration
}

// Open connects to dsn, verifies the connection, and ensures the schema.
func Open(ctx context.Context, name, dsn string, recrawlWindow time.Duration, clock crawler.Clock, logger *zap.Logger) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}
	s := NewWithDB(name, pool, recrawlWindow, clock, logger)
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(name string, db DB, recrawlWindow time.Duration, clock crawler.Clock, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		name:          name,
		db:            db,
		clock:         clock,
		logger:        logger.Named("store").With(zap.String("db", name)),
		recrawlWindow: recrawlWindow,
	}
}

// Name identifies the target database this store writes to.
func (s *SQLStore) Name() string { return s.name }

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema on %s: %w", s.name, err)
		}
	}
	return nil
}

// Ping verifies the backend is reachable; the rotation prober uses it.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.name, err)
	}
	return nil
}

const frontierBatchSQL = `
SELECT url FROM (
	SELECT url, MIN(id) AS first_id FROM (
		SELECT source_url AS url, id FROM backlinks
		UNION ALL
		SELECT target_url AS url, id FROM backlinks
	) AS both_sides
	GROUP BY url
) AS dedup
ORDER BY first_id, url
LIMIT $1 OFFSET $2`

// GetFrontierBatch pages through the deduplicated union of backlink source
// and target URLs, ordered by first insertion id so offsets stay stable.
func (s *SQLStore) GetFrontierBatch(ctx context.Context, page, size int) ([]string, error) {
	if page < 1 || size < 1 {
		return nil, &crawler.StoreError{Err: fmt.Errorf("invalid frontier page %d size %d", page, size)}
	}
	rows, err := s.db.Query(ctx, frontierBatchSQL, size, (page-1)*size)
	if err != nil {
		return nil, s.wrap("frontier batch", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, s.wrap("scan frontier url", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate frontier", err)
	}
	return urls, nil
}

const countFrontierSQL = `
SELECT COUNT(*) FROM (
	SELECT source_url AS url FROM backlinks
	UNION
	SELECT target_url FROM backlinks
) AS frontier`

// CountFrontier returns the number of distinct frontier URLs.
func (s *SQLStore) CountFrontier(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, countFrontierSQL).Scan(&count); err != nil {
		return 0, s.wrap("count frontier", err)
	}
	return count, nil
}

// AlreadyCrawled reports whether url was crawled within the recrawl window.
func (s *SQLStore) AlreadyCrawled(ctx context.Context, url string) (bool, error) {
	cutoff := s.clock.Now().Add(-s.recrawlWindow)
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pages WHERE url = $1 AND crawled_at > $2)`,
		url, cutoff,
	).Scan(&exists)
	if err != nil {
		return false, s.wrap("already crawled", err)
	}
	return exists, nil
}

// CreateSession inserts a new active session row.
func (s *SQLStore) CreateSession(ctx context.Context, session crawler.Session) error {
	err := s.withRetry(ctx, "create session", func() error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO sessions (id, started_at, status, config_json, target_db)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			session.ID, session.StartedAt, string(session.Status), session.ConfigJSON, session.TargetDB,
		)
		return err
	})
	if err != nil {
		return s.wrap("create session", err)
	}
	return nil
}

// EndSession stamps a terminal status and end time on the session.
func (s *SQLStore) EndSession(ctx context.Context, sessionID string, status crawler.SessionStatus) error {
	err := s.withRetry(ctx, "end session", func() error {
		_, err := s.db.Exec(ctx,
			`UPDATE sessions SET status = $2, ended_at = $3 WHERE id = $1`,
			sessionID, string(status), s.clock.Now(),
		)
		return err
	})
	if err != nil {
		return s.wrap("end session", err)
	}
	return nil
}

const insertPageSQL = `
INSERT INTO pages (url, title, text, html_size, word_count, http_status, response_time_ms, content_hash, crawled_at, session_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (url, session_id) DO NOTHING`

const insertLinkSQL = `
INSERT INTO links (source_url, target_url, anchor_text, context, is_nofollow, discovered_at, session_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source_url, target_url, session_id) DO NOTHING`

// WritePageWithLinks persists a page and every link extracted from the same
// fetch in a single transaction.
func (s *SQLStore) WritePageWithLinks(ctx context.Context, page crawler.Page, links []crawler.Link) error {
	err := s.withRetry(ctx, "write page with links", func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if err := execInsertPage(ctx, tx, page); err != nil {
			return err
		}
		for _, link := range links {
			if err := execInsertLink(ctx, tx, link); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return s.wrap("write page with links", err)
	}
	return nil
}

// WritePage persists a single page row.
func (s *SQLStore) WritePage(ctx context.Context, page crawler.Page) error {
	err := s.withRetry(ctx, "write page", func() error {
		return execInsertPage(ctx, s.db, page)
	})
	if err != nil {
		return s.wrap("write page", err)
	}
	return nil
}

// WriteLinks persists link rows outside a page transaction.
func (s *SQLStore) WriteLinks(ctx context.Context, links []crawler.Link) error {
	err := s.withRetry(ctx, "write links", func() error {
		for _, link := range links {
			if err := execInsertLink(ctx, s.db, link); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap("write links", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execInsertPage(ctx context.Context, db execer, page crawler.Page) error {
	_, err := db.Exec(ctx, insertPageSQL,
		page.URL, page.Title, page.CleanedText, page.HTMLSize, page.WordCount,
		page.HTTPStatus, page.ResponseTimeMs, page.ContentHash, page.CrawledAt, page.SessionID,
	)
	return err
}

func execInsertLink(ctx context.Context, db execer, link crawler.Link) error {
	_, err := db.Exec(ctx, insertLinkSQL,
		link.SourceURL, link.TargetURL, link.AnchorText, link.Context,
		link.IsNofollow, link.DiscoveredAt, link.SessionID,
	)
	return err
}

// IterLinks streams every stored link to fn without materializing the graph.
func (s *SQLStore) IterLinks(ctx context.Context, fn func(crawler.Link) error) error {
	rows, err := s.db.Query(ctx,
		`SELECT source_url, target_url, COALESCE(anchor_text, ''), COALESCE(context, ''), is_nofollow, discovered_at, session_id
		 FROM links ORDER BY id`,
	)
	if err != nil {
		return s.wrap("iter links", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link crawler.Link
		if err := rows.Scan(
			&link.SourceURL, &link.TargetURL, &link.AnchorText, &link.Context,
			&link.IsNofollow, &link.DiscoveredAt, &link.SessionID,
		); err != nil {
			return s.wrap("scan link", err)
		}
		if err := fn(link); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return s.wrap("iterate links", err)
	}
	return nil
}

// UpsertDomainScores writes analyzer authority results.
func (s *SQLStore) UpsertDomainScores(ctx context.Context, scores []crawler.DomainScore) error {
	err := s.withRetry(ctx, "upsert domain scores", func() error {
		for _, sc := range scores {
			_, err := s.db.Exec(ctx,
				`INSERT INTO domain_scores (domain, authority_score, backlink_count, referring_domains, updated_at)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (domain) DO UPDATE SET
					authority_score = EXCLUDED.authority_score,
					backlink_count = EXCLUDED.backlink_count,
					referring_domains = EXCLUDED.referring_domains,
					updated_at = EXCLUDED.updated_at`,
				sc.Domain, sc.AuthorityScore, sc.BacklinkCount, sc.ReferringDomains, sc.UpdatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap("upsert domain scores", err)
	}
	return nil
}

// UpsertPageRankScores writes analyzer rank results.
func (s *SQLStore) UpsertPageRankScores(ctx context.Context, scores []crawler.PageRankScore) error {
	err := s.withRetry(ctx, "upsert pagerank scores", func() error {
		for _, sc := range scores {
			_, err := s.db.Exec(ctx,
				`INSERT INTO pagerank_scores (url, score, updated_at)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (url) DO UPDATE SET
					score = EXCLUDED.score,
					updated_at = EXCLUDED.updated_at`,
				sc.URL, sc.Score, sc.UpdatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap("upsert pagerank scores", err)
	}
	return nil
}

// UpsertDatabaseUsage flushes rotation counters to the usage meta-table.
func (s *SQLStore) UpsertDatabaseUsage(ctx context.Context, usage []crawler.DatabaseUsage) error {
	err := s.withRetry(ctx, "upsert database usage", func() error {
		for _, u := range usage {
			_, err := s.db.Exec(ctx,
				`INSERT INTO database_usage (name, url, bytes_used, storage_quota_bytes, writes_this_month, monthly_write_limit, last_health_check, status)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (name) DO UPDATE SET
					url = EXCLUDED.url,
					bytes_used = EXCLUDED.bytes_used,
					storage_quota_bytes = EXCLUDED.storage_quota_bytes,
					writes_this_month = EXCLUDED.writes_this_month,
					monthly_write_limit = EXCLUDED.monthly_write_limit,
					last_health_check = EXCLUDED.last_health_check,
					status = EXCLUDED.status`,
				u.Name, u.URL, u.BytesUsed, u.StorageQuotaBytes,
				u.WritesThisMonth, u.MonthlyWriteLimit, u.LastHealthCheck, string(u.Status),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap("upsert database usage", err)
	}
	return nil
}

// Stats aggregates corpus-wide counters for the monitoring API.
func (s *SQLStore) Stats(ctx context.Context) (crawler.CorpusStats, error) {
	stats := crawler.CorpusStats{PagesPerDay: make(map[string]int64)}

	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pages`).Scan(&stats.TotalPages); err != nil {
		return stats, s.wrap("count pages", err)
	}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM links`).Scan(&stats.TotalLinks); err != nil {
		return stats, s.wrap("count links", err)
	}

	var ok int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pages WHERE http_status > 0 AND http_status < 400`).Scan(&ok); err != nil {
		return stats, s.wrap("count successful pages", err)
	}
	if stats.TotalPages > 0 {
		stats.SuccessRate = float64(ok) / float64(stats.TotalPages)
	}

	rows, err := s.db.Query(ctx,
		`SELECT to_char(crawled_at, 'YYYY-MM-DD') AS day, COUNT(*)
		 FROM pages GROUP BY day ORDER BY day DESC LIMIT 30`,
	)
	if err != nil {
		return stats, s.wrap("pages per day", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return stats, s.wrap("scan pages per day", err)
		}
		stats.PagesPerDay[day] = count
	}
	if err := rows.Err(); err != nil {
		return stats, s.wrap("iterate pages per day", err)
	}
	return stats, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() {
	s.db.Close()
}

// withRetry runs op up to retryAttempts times with exponential backoff,
// retrying only transient failures.
func (s *SQLStore) withRetry(ctx context.Context, label string, op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && isTransient(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying store operation",
				zap.String("op", label),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

func (s *SQLStore) wrap(label string, err error) error {
	return &crawler.StoreError{
		Transient: isTransient(err),
		Err:       fmt.Errorf("%s on %s: %w", label, s.name, err),
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exceptions, 57 = operator intervention,
		// 40001/40P01 = serialization/deadlock.
		code := pgErr.Code
		return len(code) >= 2 && (code[:2] == "08" || code[:2] == "57" || code == "40001" || code == "40P01")
	}
	return false
}
