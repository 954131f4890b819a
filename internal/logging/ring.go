package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is one retained log line, shaped for JSON responses.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring is a zapcore.Core that keeps the last N entries in memory so the
// monitoring API can serve recent logs without touching disk. It is safe for
// concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	level   zapcore.LevelEnabler
}

// NewRing builds a Ring retaining up to capacity entries at or above level.
func NewRing(capacity int, level zapcore.LevelEnabler) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	if level == nil {
		level = zapcore.InfoLevel
	}
	return &Ring{
		entries: make([]Entry, capacity),
		level:   level,
	}
}

// Enabled implements zapcore.Core.
func (r *Ring) Enabled(lvl zapcore.Level) bool {
	return r.level.Enabled(lvl)
}

// With implements zapcore.Core. It returns the ring itself: fields attached
// through With are not retained, and each entry carries only the fields
// passed to its own log call.
func (r *Ring) With([]zapcore.Field) zapcore.Core { return r }

// Check implements zapcore.Core.
func (r *Ring) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(ent.Level) {
		return ce.AddCore(ent, r)
	}
	return ce
}

// Write implements zapcore.Core.
func (r *Ring) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	entry := Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
	}
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		entry.Fields = enc.Fields
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Sync implements zapcore.Core.
func (r *Ring) Sync() error { return nil }

// Last returns up to n retained entries, newest last.
func (r *Ring) Last(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
