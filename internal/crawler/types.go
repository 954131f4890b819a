// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the store.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is the provenance bucket for all pages and links produced during
// one batch.
type Session struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Status     SessionStatus `json:"status"`
	BatchSize  int           `json:"batch_size"`
	ConfigJSON string        `json:"config_json"`
	TargetDB   string        `json:"target_db"`
}

// Page is persisted for each crawled resource.
type Page struct {
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	CleanedText    string    `json:"cleaned_text"`
	HTMLSize       int       `json:"html_size"`
	WordCount      int       `json:"word_count"`
	HTTPStatus     int       `json:"http_status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ContentHash    string    `json:"content_hash"`
	CrawledAt      time.Time `json:"crawled_at"`
	SessionID      string    `json:"session_id"`
}

// Link is a discovered edge in the link graph.
type Link struct {
	SourceURL    string    `json:"source_url"`
	TargetURL    string    `json:"target_url"`
	AnchorText   string    `json:"anchor_text,omitempty"`
	Context      string    `json:"context,omitempty"`
	IsNofollow   bool      `json:"is_nofollow"`
	DiscoveredAt time.Time `json:"discovered_at"`
	SessionID    string    `json:"session_id"`
}

// DomainScore is the analyzer's authority verdict for one domain.
type DomainScore struct {
	Domain           string    `json:"domain"`
	AuthorityScore   float64   `json:"authority_score"`
	BacklinkCount    int       `json:"backlink_count"`
	ReferringDomains int       `json:"referring_domains"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PageRankScore holds the normalized rank for one URL. Scores across the
// whole corpus sum to 1.
type PageRankScore struct {
	URL       string    `json:"url"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is the durable scheduler checkpoint. Field names follow the
// on-disk JSON format.
type Progress struct {
	CurrentPage     int       `json:"current_page"`
	BatchSize       int       `json:"batch_size"`
	TotalURLs       int       `json:"total_urls"`
	Processed       int       `json:"processed"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	UpdatedAt       time.Time `json:"updated_at"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	Running         bool      `json:"running"`
}

// DBStatus classifies a target database's health.
type DBStatus string

// Database status values surfaced by the rotation manager.
const (
	DBHealthy  DBStatus = "healthy"
	DBWarning  DBStatus = "warning"
	DBCritical DBStatus = "critical"
	DBDown     DBStatus = "down"
)

// DatabaseUsage tracks quota consumption for one target database.
type DatabaseUsage struct {
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	BytesUsed         int64     `json:"bytes_used"`
	StorageQuotaBytes int64     `json:"storage_quota_bytes"`
	WritesThisMonth   int64     `json:"writes_this_month"`
	MonthlyWriteLimit int64     `json:"monthly_write_limit"`
	LastHealthCheck   time.Time `json:"last_health_check"`
	ProbeRTTMs        int64     `json:"probe_rtt_ms"`
	Status            DBStatus  `json:"status"`
}

// WriteRatio returns writes-used over the monthly limit, 0 when unlimited.
func (u DatabaseUsage) WriteRatio() float64 {
	if u.MonthlyWriteLimit <= 0 {
		return 0
	}
	return float64(u.WritesThisMonth) / float64(u.MonthlyWriteLimit)
}

// StorageRatio returns bytes-used over the storage quota, 0 when unlimited.
func (u DatabaseUsage) StorageRatio() float64 {
	if u.StorageQuotaBytes <= 0 {
		return 0
	}
	return float64(u.BytesUsed) / float64(u.StorageQuotaBytes)
}

// LoadRatio is the selection metric: the worse of the two quota axes.
func (u DatabaseUsage) LoadRatio() float64 {
	w := u.WriteRatio()
	s := u.StorageRatio()
	if w > s {
		return w
	}
	return s
}

// FetchResult is the successful outcome of fetching one URL. FinalURL is the
// post-redirect identity and is what pages and links are keyed on.
type FetchResult struct {
	URL            string
	FinalURL       string
	StatusCode     int
	Headers        http.Header
	Body           []byte
	ResponseTimeMs int64
}

// CorpusStats aggregates store-wide counters for the monitoring API.
type CorpusStats struct {
	TotalPages  int64            `json:"total_pages"`
	TotalLinks  int64            `json:"total_links"`
	PagesPerDay map[string]int64 `json:"pages_per_day"`
	SuccessRate float64          `json:"success_rate"`
}
