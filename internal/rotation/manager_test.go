package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func twoTargets() []Target {
	return []Target{
		{Name: "db-a", URL: "postgres://a", StorageQuotaBytes: 1000, MonthlyWriteLimit: 1000},
		{Name: "db-b", URL: "postgres://b", StorageQuotaBytes: 1000, MonthlyWriteLimit: 1000},
	}
}

func newManager(t *testing.T, clock crawler.Clock) *Manager {
	t.Helper()
	return New(twoTargets(), clock, zap.NewNop())
}

func TestChooseWriteTarget_PicksLeastLoaded(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 840, 0) // 84% of writes
	m.RecordWrite("db-b", 200, 0) // 20%

	for i := 0; i < 50; i++ {
		name, err := m.ChooseWriteTarget()
		require.NoError(t, err)
		assert.Equal(t, "db-b", name)
		m.RecordWrite(name, 1, 10)
	}
}

func TestChooseWriteTarget_ExcludesAtSelectionCap(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 850, 0) // exactly at the 85% cap
	m.RecordWrite("db-b", 100, 0)

	name, err := m.ChooseWriteTarget()
	require.NoError(t, err)
	assert.Equal(t, "db-b", name)

	m.RecordWrite("db-b", 800, 0) // now 90%
	_, err = m.ChooseWriteTarget()
	assert.ErrorIs(t, err, crawler.ErrNoCapacity)
}

func TestChooseWriteTarget_StorageAxisCounts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 1, 900) // 90% storage
	name, err := m.ChooseWriteTarget()
	require.NoError(t, err)
	assert.Equal(t, "db-b", name)
}

func TestStatusThresholds(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 700, 0)
	assert.Equal(t, crawler.DBWarning, m.Snapshot()[0].Status)

	m.RecordWrite("db-a", 200, 0)
	assert.Equal(t, crawler.DBCritical, m.Snapshot()[0].Status)

	assert.Equal(t, crawler.DBHealthy, m.Snapshot()[1].Status)
}

func TestMonthlyCounterResetsOnUTCMonthRollover(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 900, 0)
	_, err := m.ChooseWriteTarget()
	require.NoError(t, err) // db-b still open

	clock.now = time.Date(2025, 4, 1, 0, 1, 0, 0, time.UTC)
	m.RecordWrite("db-a", 1, 0)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap[0].WritesThisMonth)
	assert.Equal(t, crawler.DBHealthy, snap[0].Status)
}

func TestHealthProbes_DownAfterThreeFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordHealthProbe("db-a", false, 0)
	m.RecordHealthProbe("db-a", false, 0)
	assert.NotEqual(t, crawler.DBDown, m.Snapshot()[0].Status)

	m.RecordHealthProbe("db-a", false, 0)
	assert.Equal(t, crawler.DBDown, m.Snapshot()[0].Status)

	name, err := m.ChooseWriteTarget()
	require.NoError(t, err)
	assert.Equal(t, "db-b", name)
}

func TestHealthProbes_RestoreNeedsTwoSuccessesAndLandsOnWarning(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	for i := 0; i < 3; i++ {
		m.RecordHealthProbe("db-a", false, 0)
	}
	require.Equal(t, crawler.DBDown, m.Snapshot()[0].Status)

	m.RecordHealthProbe("db-a", true, 5*time.Millisecond)
	assert.Equal(t, crawler.DBDown, m.Snapshot()[0].Status)

	m.RecordHealthProbe("db-a", true, 5*time.Millisecond)
	assert.Equal(t, crawler.DBWarning, m.Snapshot()[0].Status)

	// An interleaved failure resets the success streak.
	for i := 0; i < 3; i++ {
		m.RecordHealthProbe("db-a", false, 0)
	}
	m.RecordHealthProbe("db-a", true, 0)
	m.RecordHealthProbe("db-a", false, 0)
	m.RecordHealthProbe("db-a", true, 0)
	assert.Equal(t, crawler.DBDown, m.Snapshot()[0].Status)
}

func TestRotationFairness_LowerLoadedGetsMajority(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, clock)

	m.RecordWrite("db-a", 400, 0)
	m.RecordWrite("db-b", 100, 0)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		name, err := m.ChooseWriteTarget()
		require.NoError(t, err)
		counts[name]++
		m.RecordWrite(name, 1, 0)
	}
	assert.Greater(t, counts["db-b"], counts["db-a"])
}
