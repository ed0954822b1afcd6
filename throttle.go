package crawler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Throttle enforces the per-domain politeness delay. Each host gets a rate
// limiter allowing one request per delay interval; robots.txt Crawl-delay
// overrides the default for a host, capped at fetcher.max_crawl_delay.
type Throttle struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultDelay time.Duration
	maxDelay     time.Duration
}

// NewThrottle builds a Throttle from the current Config.
func NewThrottle() *Throttle {
	return &Throttle{
		limiters:     make(map[string]*rate.Limiter),
		defaultDelay: durationOrDefault(Config.Fetcher.DefaultCrawlDelay, time.Second),
		maxDelay:     durationOrDefault(Config.Fetcher.MaxCrawlDelay, 5*time.Minute),
	}
}

func (t *Throttle) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.defaultDelay), 1)
		t.limiters[host] = lim
	}
	return lim
}

// Wait blocks until host may be fetched again, or until ctx is canceled.
// The caller must not hold any other crawler lock while waiting.
func (t *Throttle) Wait(ctx context.Context, host string) error {
	return t.limiter(host).Wait(ctx)
}

// SetDelay overrides the delay for a single host. A zero or negative delay
// restores the default; anything above the configured cap is clamped.
func (t *Throttle) SetDelay(host string, delay time.Duration) {
	if delay <= 0 {
		delay = t.defaultDelay
	}
	if delay > t.maxDelay {
		log.Debugf("Host %v wants crawl delay %v, clamping to %v", host, delay, t.maxDelay)
		delay = t.maxDelay
	}
	t.limiter(host).SetLimit(rate.Every(delay))
}
