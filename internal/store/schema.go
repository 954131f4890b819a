package store

// Logical schema for one target database. The backlinks table is populated
// by the upstream ingestion pipeline; the crawler only reads it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS backlinks (
		id BIGSERIAL PRIMARY KEY,
		source_url TEXT NOT NULL,
		target_url TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		target_db TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT,
		text TEXT,
		html_size BIGINT NOT NULL DEFAULT 0,
		word_count BIGINT NOT NULL DEFAULT 0,
		http_status INTEGER NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		crawled_at TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_url_session ON pages(url, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pages_url ON pages(url)`,
	`CREATE INDEX IF NOT EXISTS idx_pages_content_hash ON pages(content_hash)`,
	`CREATE TABLE IF NOT EXISTS links (
		id BIGSERIAL PRIMARY KEY,
		source_url TEXT NOT NULL,
		target_url TEXT NOT NULL,
		anchor_text TEXT,
		context TEXT,
		is_nofollow BOOLEAN NOT NULL DEFAULT FALSE,
		discovered_at TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_links_edge_session ON links(source_url, target_url, session_id)`,
	`CREATE TABLE IF NOT EXISTS domain_scores (
		domain TEXT PRIMARY KEY,
		authority_score DOUBLE PRECISION NOT NULL,
		backlink_count BIGINT NOT NULL,
		referring_domains BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pagerank_scores (
		url TEXT PRIMARY KEY,
		score DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS database_usage (
		name TEXT PRIMARY KEY,
		url TEXT NOT NULL DEFAULT '',
		bytes_used BIGINT NOT NULL DEFAULT 0,
		storage_quota_bytes BIGINT NOT NULL DEFAULT 0,
		writes_this_month BIGINT NOT NULL DEFAULT 0,
		monthly_write_limit BIGINT NOT NULL DEFAULT 0,
		last_health_check TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'healthy'
	)`,
}
