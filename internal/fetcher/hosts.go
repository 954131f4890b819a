package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostState serializes access to a single origin: a concurrency slot pool
// plus a minimum inter-request delay.
type hostState struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

// hostTable hands out per-origin state lazily. Crawl-delay overrides from
// robots.txt only ever slow a host down, never speed it up.
type hostTable struct {
	mu       sync.Mutex
	hosts    map[string]*hostState
	perHost  int
	minDelay time.Duration
}

func newHostTable(perHost int, minDelay time.Duration) *hostTable {
	if perHost <= 0 {
		perHost = 2
	}
	return &hostTable{
		hosts:    make(map[string]*hostState),
		perHost:  perHost,
		minDelay: minDelay,
	}
}

func (t *hostTable) get(origin string, crawlDelay time.Duration) *hostState {
	delay := t.minDelay
	if crawlDelay > delay {
		delay = crawlDelay
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.hosts[origin]
	if !ok {
		st = &hostState{
			slots:   make(chan struct{}, t.perHost),
			limiter: rate.NewLimiter(limitFor(delay), 1),
		}
		t.hosts[origin] = st
		return st
	}
	if limit := limitFor(delay); limit < st.limiter.Limit() {
		st.limiter.SetLimit(limit)
	}
	return st
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// acquire claims a host slot and waits out the politeness delay.
func (s *hostState) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("host slot wait: %w", ctx.Err())
	}
	if err := s.limiter.Wait(ctx); err != nil {
		<-s.slots
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

func (s *hostState) release() {
	<-s.slots
}
