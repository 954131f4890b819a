package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheBoringRats/ratcrowler/internal/clock/system"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func TestCache_DisallowAndAllow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\nCrawl-delay: 2\n"))
	}))
	defer srv.Close()

	c := New(true, system.New(), zap.NewNop())
	ctx := context.Background()

	assert.True(t, c.IsAllowed(ctx, srv.URL+"/public/page", "ratcrowler/1.0"))
	assert.False(t, c.IsAllowed(ctx, srv.URL+"/private/page", "ratcrowler/1.0"))
	assert.Equal(t, 2*time.Second, c.CrawlDelay(ctx, srv.URL, "ratcrowler/1.0"))
}

func TestCache_SingleFetchPerOrigin(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := New(true, system.New(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, c.IsAllowed(ctx, srv.URL+"/page", "ratcrowler/1.0"))
	}
	assert.EqualValues(t, 1, fetches.Load())
}

func TestCache_NotFoundNegativeCachesAllowAll(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New(true, clock, zap.NewNop())
	ctx := context.Background()

	assert.True(t, c.IsAllowed(ctx, srv.URL+"/anything", "ratcrowler/1.0"))
	assert.True(t, c.IsAllowed(ctx, srv.URL+"/else", "ratcrowler/1.0"))
	assert.EqualValues(t, 1, fetches.Load())

	// Negative entries expire after an hour and refetch.
	clock.now = clock.now.Add(61 * time.Minute)
	assert.True(t, c.IsAllowed(ctx, srv.URL+"/more", "ratcrowler/1.0"))
	assert.EqualValues(t, 2, fetches.Load())
}

func TestCache_NetworkFailureFailsOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // guaranteed connection refused

	c := New(true, system.New(), zap.NewNop())
	assert.True(t, c.IsAllowed(context.Background(), srv.URL+"/x", "ratcrowler/1.0"))
}

func TestCache_DisabledNeverFetches(t *testing.T) {
	t.Parallel()

	c := New(false, system.New(), zap.NewNop())
	assert.True(t, c.IsAllowed(context.Background(), "https://unreachable.invalid/x", "ua"))
	assert.Zero(t, c.CrawlDelay(context.Background(), "https://unreachable.invalid", "ua"))
}
