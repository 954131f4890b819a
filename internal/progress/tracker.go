// Package progress persists the scheduler's durable checkpoint.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

// Tracker owns the on-disk Progress record. Commits are atomic via
// temp-file + rename, so a crash can never leave a half-written checkpoint.
// Reads after a crash see the last committed batch boundary.
type Tracker struct {
	path   string
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	current crawler.Progress
}

// NewTracker builds a Tracker backed by the JSON file at path.
func NewTracker(path string, clock crawler.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		path:   path,
		clock:  clock,
		logger: logger.Named("progress"),
	}
}

// Load reads the checkpoint. A missing or malformed file yields a
// zero-initialized record with a warning; startup never fails on it. A
// stale running flag left behind by a crash is cleared.
func (t *Tracker) Load() crawler.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("progress file unreadable; starting fresh", zap.Error(err))
		}
		t.current = initialProgress()
		return t.current
	}

	var p crawler.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("progress file malformed; starting fresh", zap.Error(err))
		t.current = initialProgress()
		return t.current
	}
	if p.CurrentPage < 1 {
		p.CurrentPage = 1
	}
	if p.Running {
		// The previous process died mid-batch. The page counter was not
		// advanced, so the same batch replays on this run.
		t.logger.Warn("previous run did not shut down cleanly; replaying last batch",
			zap.Int("current_page", p.CurrentPage),
		)
		p.Running = false
		p.ActiveSessionID = ""
	}
	t.current = p
	return t.current
}

// Commit atomically replaces the checkpoint on disk.
func (t *Tracker) Commit(p crawler.Progress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.UpdatedAt = t.clock.Now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp progress file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}

	t.current = p
	return nil
}

// Snapshot returns the last loaded or committed record. The monitoring API
// reads through this accessor instead of touching disk.
func (t *Tracker) Snapshot() crawler.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Reset deletes the checkpoint so the next run starts from page one.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove progress file: %w", err)
	}
	t.current = initialProgress()
	return nil
}

func initialProgress() crawler.Progress {
	return crawler.Progress{
		CurrentPage: 1,
		BatchSize:   50,
	}
}
