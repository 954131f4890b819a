package progress

import (
	"os"
	"path/filepath"
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

func newTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl_progress.json")
	clock := &fakeClock{now: time.Date(2025, 5, 20, 9, 30, 0, 0, time.UTC)}
	return NewTracker(path, clock, zap.NewNop()), path
}

func TestLoad_MissingFileYieldsInitialRecord(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t)
	p := tr.Load()
	assert.Equal(t, 1, p.CurrentPage)
	assert.Zero(t, p.Processed)
	assert.False(t, p.Running)
}

func TestLoad_MalformedFileYieldsInitialRecord(t *testing.T) {
	t.Parallel()

	tr, path := newTracker(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	p := tr.Load()
	assert.Equal(t, 1, p.CurrentPage)
}

func TestCommitThenLoad_RoundTrips(t *testing.T) {
	t.Parallel()

	tr, path := newTracker(t)
	p := crawler.Progress{
		CurrentPage: 4,
		BatchSize:   50,
		TotalURLs:   400,
		Processed:   150,
		Succeeded:   130,
		Failed:      20,
	}
	require.NoError(t, tr.Commit(p))

	reloaded := NewTracker(path, &fakeClock{now: time.Now().UTC()}, zap.NewNop()).Load()
	assert.Equal(t, 4, reloaded.CurrentPage)
	assert.Equal(t, 150, reloaded.Processed)
	assert.Equal(t, reloaded.Processed, reloaded.Succeeded+reloaded.Failed)
	assert.False(t, reloaded.UpdatedAt.IsZero())
}

func TestLoad_ClearsStaleRunningFlag(t *testing.T) {
	t.Parallel()

	tr, path := newTracker(t)
	require.NoError(t, tr.Commit(crawler.Progress{
		CurrentPage:     3,
		BatchSize:       50,
		Running:         true,
		ActiveSessionID: "sess-7",
	}))

	reloaded := NewTracker(path, &fakeClock{now: time.Now().UTC()}, zap.NewNop()).Load()
	assert.False(t, reloaded.Running)
	assert.Empty(t, reloaded.ActiveSessionID)
	// The page counter is untouched so the interrupted batch replays.
	assert.Equal(t, 3, reloaded.CurrentPage)
}

func TestSnapshot_TracksLastCommit(t *testing.T) {
	t.Parallel()

	tr, _ := newTracker(t)
	tr.Load()
	require.NoError(t, tr.Commit(crawler.Progress{CurrentPage: 2, BatchSize: 50, Processed: 50}))
	assert.Equal(t, 2, tr.Snapshot().CurrentPage)
}

func TestReset_RemovesCheckpoint(t *testing.T) {
	t.Parallel()

	tr, path := newTracker(t)
	require.NoError(t, tr.Commit(crawler.Progress{CurrentPage: 9, BatchSize: 50}))
	require.NoError(t, tr.Reset())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, tr.Snapshot().CurrentPage)

	// Resetting twice is fine.
	require.NoError(t, tr.Reset())
}
