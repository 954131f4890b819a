// Package rotation steers writes across target databases by quota headroom.
package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

const (
	warningRatio   = 0.70
	criticalRatio  = 0.90
	selectionCap   = 0.85
	failsUntilDown = 3
	oksUntilUp     = 2
	reprobeDelay   = 60 * time.Second
)

// Target describes one database the manager may route writes to.
type Target struct {
	Name              string
	URL               string
	StorageQuotaBytes int64
	MonthlyWriteLimit int64
}

// UsageStore receives periodic flushes of the in-memory usage counters.
type UsageStore interface {
	UpsertDatabaseUsage(ctx context.Context, usage []crawler.DatabaseUsage) error
}

// Prober checks one database and reports round-trip time.
type Prober interface {
	Probe(ctx context.Context, name string) (time.Duration, error)
}

type state struct {
	usage       crawler.DatabaseUsage
	month       time.Time // first instant of the UTC month the write counter covers
	consecFails int
	consecOKs   int
}

// Manager tracks per-database usage and selects the least-loaded healthy
// write target. Counters are guarded by a mutex; Snapshot returns copies.
type Manager struct {
	clock  crawler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	order []string
	dbs   map[string]*state
}

// New builds a Manager over the configured targets.
func New(targets []Target, clock crawler.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		clock:  clock,
		logger: logger,
		dbs:    make(map[string]*state, len(targets)),
	}
	now := clock.Now()
	for _, t := range targets {
		m.order = append(m.order, t.Name)
		m.dbs[t.Name] = &state{
			usage: crawler.DatabaseUsage{
				Name:              t.Name,
				URL:               t.URL,
				StorageQuotaBytes: t.StorageQuotaBytes,
				MonthlyWriteLimit: t.MonthlyWriteLimit,
				Status:            crawler.DBHealthy,
			},
			month: monthOf(now),
		}
	}
	return m
}

// ChooseWriteTarget returns the healthy database with the lowest load ratio.
// Databases at or above the selection cap on either axis are excluded even
// when healthy. Returns crawler.ErrNoCapacity when nothing qualifies.
func (m *Manager) ChooseWriteTarget() (string, error) {
	eligible := m.EligibleTargets()
	if len(eligible) == 0 {
		return "", crawler.ErrNoCapacity
	}
	return eligible[0], nil
}

// EligibleTargets lists every selectable database ordered by load ratio,
// least loaded first. The store walks this list when a write needs to be
// re-routed away from a failing target.
func (m *Manager) EligibleTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		name  string
		ratio float64
	}
	var candidates []candidate
	for _, name := range m.order {
		st := m.dbs[name]
		m.rollMonthLocked(st)
		if st.usage.Status == crawler.DBDown {
			continue
		}
		ratio := st.usage.LoadRatio()
		if ratio >= selectionCap {
			continue
		}
		candidates = append(candidates, candidate{name: name, ratio: ratio})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ratio < candidates[j].ratio
	})
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.name)
	}
	return out
}

// RecordWrite adds rows and bytes to a database's counters.
func (m *Manager) RecordWrite(name string, rows int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.dbs[name]
	if !ok {
		return
	}
	m.rollMonthLocked(st)
	st.usage.WritesThisMonth += int64(rows)
	st.usage.BytesUsed += bytes
	if st.usage.Status != crawler.DBDown {
		st.usage.Status = thresholdStatus(st.usage)
	}
}

// RecordHealthProbe folds one probe outcome into the database's status.
// Three consecutive failures mark it down; a down database needs two
// consecutive successes to come back, and re-enters as warning.
func (m *Manager) RecordHealthProbe(name string, ok bool, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.dbs[name]
	if !exists {
		return
	}
	st.usage.LastHealthCheck = m.clock.Now()
	st.usage.ProbeRTTMs = rtt.Milliseconds()

	if !ok {
		st.consecOKs = 0
		st.consecFails++
		if st.consecFails >= failsUntilDown && st.usage.Status != crawler.DBDown {
			m.logger.Warn("database marked down",
				zap.String("db", name),
				zap.Int("consecutive_failures", st.consecFails),
			)
			st.usage.Status = crawler.DBDown
		}
		return
	}

	st.consecFails = 0
	if st.usage.Status == crawler.DBDown {
		st.consecOKs++
		if st.consecOKs >= oksUntilUp {
			st.usage.Status = crawler.DBWarning
			st.consecOKs = 0
			m.logger.Info("database restored", zap.String("db", name))
		}
		return
	}
	st.consecOKs = 0
	st.usage.Status = thresholdStatus(st.usage)
}

// Snapshot copies the current usage of every database in config order.
func (m *Manager) Snapshot() []crawler.DatabaseUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawler.DatabaseUsage, 0, len(m.order))
	for _, name := range m.order {
		st := m.dbs[name]
		m.rollMonthLocked(st)
		out = append(out, st.usage)
	}
	return out
}

// SetBytesUsed overrides the stored-bytes counter, e.g. from a backend
// usage query at startup.
func (m *Manager) SetBytesUsed(name string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.dbs[name]; ok {
		st.usage.BytesUsed = bytes
		if st.usage.Status != crawler.DBDown {
			st.usage.Status = thresholdStatus(st.usage)
		}
	}
}

// HasCriticalCapacity reports whether every database is unavailable for
// selection, which the monitoring API surfaces as a critical alert.
func (m *Manager) HasCriticalCapacity() bool {
	_, err := m.ChooseWriteTarget()
	return err != nil
}

// Run probes every database on a fixed cadence until ctx ends. Down
// databases are re-probed on the same 60s cadence.
func (m *Manager) Run(ctx context.Context, prober Prober) {
	ticker := time.NewTicker(reprobeDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx, prober)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context, prober Prober) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rtt, err := prober.Probe(probeCtx, name)
		cancel()
		if err != nil {
			m.logger.Debug("health probe failed", zap.String("db", name), zap.Error(err))
		}
		m.RecordHealthProbe(name, err == nil, rtt)
	}
}

// Flush writes the current snapshot to the usage meta-table.
func (m *Manager) Flush(ctx context.Context, store UsageStore) error {
	return store.UpsertDatabaseUsage(ctx, m.Snapshot())
}

// rollMonthLocked resets the monthly write counter when the UTC calendar
// month has rolled over since the last write.
func (m *Manager) rollMonthLocked(st *state) {
	current := monthOf(m.clock.Now())
	if current.After(st.month) {
		st.month = current
		st.usage.WritesThisMonth = 0
		if st.usage.Status != crawler.DBDown {
			st.usage.Status = thresholdStatus(st.usage)
		}
	}
}

func thresholdStatus(u crawler.DatabaseUsage) crawler.DBStatus {
	switch ratio := u.LoadRatio(); {
	case ratio >= criticalRatio:
		return crawler.DBCritical
	case ratio >= warningRatio:
		return crawler.DBWarning
	default:
		return crawler.DBHealthy
	}
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
