package crawler

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// CrawlManager is the embedded crawler's orchestrator. It owns the fetchers,
// the policy gate, and the frontier, and runs the batch crawl loop until the
// frontier empties or Stop is called.
//
// Set Store and Writer before calling Start.
type CrawlManager struct {
	// Store is the synchronous view of the durable store.
	Store Datastore

	// Writer is the asynchronous write path. The manager never writes to
	// the database directly.
	Writer Writer

	fetcher  *Fetcher
	throttle *Throttle
	gate     *PolicyGate
	frontier *Frontier

	stopping atomic.Bool
	cancel   context.CancelFunc

	startedMu sync.Mutex
	started   bool
}

// SeedIfEmpty loads seed URLs into the frontier, but only when the durable
// frontier is empty, so restarting never resets crawl progress.
func (cm *CrawlManager) SeedIfEmpty(ctx context.Context, seeds []*URL) error {
	count, err := cm.Store.PendingCount(ctx)
	if err != nil {
		return Kindedf(Persistence, "failed to count pending urls: %v", err)
	}
	if count > 0 {
		log.Infof("Frontier has %v pending urls, not seeding", count)
		return nil
	}
	for _, s := range seeds {
		cm.Writer.EnqueuePending(s.String(), 0)
	}
	log.Infof("Seeded frontier with %v urls", len(seeds))
	return nil
}

// Start runs the crawl loop and blocks until the frontier is exhausted or
// Stop is called. It may only be called once per manager.
func (cm *CrawlManager) Start() error {
	cm.startedMu.Lock()
	if cm.started {
		cm.startedMu.Unlock()
		return Kindedf(Fatal, "CrawlManager can only be started once")
	}
	cm.started = true
	cm.startedMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	defer cancel()

	cm.throttle = NewThrottle()
	cm.fetcher = NewFetcher()
	cm.gate = NewPolicyGate(cm.throttle)
	cm.gate.IsBlacklisted = cm.Store.IsBlacklistedHost
	cm.gate.OnBlockedDomain = cm.Store.RecordBlockedDomain

	frontier, err := NewFrontier(ctx, cm.Store, cm.Writer)
	if err != nil {
		return err
	}
	cm.frontier = frontier

	threads := Config.Fetcher.Threads
	for !cm.stopping.Load() {
		batch, err := cm.frontier.NextBatch(ctx, threads)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf("Failed to claim crawl batch: %v", err)
			break
		}
		if len(batch) == 0 {
			log.Infof("Frontier empty, crawl complete")
			break
		}

		var wg sync.WaitGroup
		for _, entry := range batch {
			wg.Add(1)
			go func(entry PendingURL) {
				defer wg.Done()
				cm.crawlOne(ctx, entry)
			}(entry)
		}
		wg.Wait()
	}

	return nil
}

// Stop signals the crawl loop to wind down. In-flight fetches complete under
// their own timeouts; no new fetch starts after Stop returns.
func (cm *CrawlManager) Stop() {
	cm.stopping.Store(true)
	if cm.cancel != nil {
		cm.cancel()
	}
}

func (cm *CrawlManager) crawlOne(ctx context.Context, entry PendingURL) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic crawling %v: %v", entry.URL, r)
		}
	}()

	if cm.stopping.Load() {
		// put the claimed entry back so it is not lost across restarts
		cm.Writer.EnqueuePending(entry.URL, entry.Depth)
		return
	}

	u, err := ParseURL(entry.URL)
	if err != nil {
		log.Infof("Dropping unparseable frontier url %v: %v", entry.URL, err)
		return
	}

	if cm.frontier.SeenOrMark(u.String()) {
		return
	}

	if err := cm.gate.Check(ctx, u, entry.Depth); err != nil {
		if IsKind(err, PolicyDrop) {
			log.Infof("Policy drop: %v", err)
		} else {
			log.Errorf("Policy check failed for %v: %v", u, err)
		}
		return
	}

	if err := cm.throttle.Wait(ctx, u.Hostname()); err != nil {
		return
	}
	if cm.stopping.Load() {
		return
	}

	fr, err := cm.fetcher.Fetch(ctx, u)
	if err != nil {
		log.Debugf("Fetch failed: %v", err)
		return
	}

	cm.handleResponse(fr, entry.Depth)
}

func (cm *CrawlManager) handleResponse(fr *FetchResults, depth int) {
	if fr.StatusCode < 200 || fr.StatusCode >= 300 {
		log.Debugf("Got status %v for %v", fr.StatusCode, fr.URL)
		if link := ExtractLocationLink(fr); link != nil {
			cm.enqueueLink(link, depth+1)
		}
		return
	}

	// only a successful response makes the URL durably visited; dropped and
	// failed URLs stay eligible for rediscovery on a later run
	cm.Writer.RecordVisited(fr.URL.String())

	if !fr.IsHTML() {
		if IsXML(fr.Body) {
			for _, link := range ExtractXMLLinks(fr) {
				cm.enqueueLink(link, depth+1)
			}
			return
		}
		if link := ExtractLocationLink(fr); link != nil {
			cm.enqueueLink(link, depth+1)
		}
		return
	}
	if IsXML(fr.Body) {
		for _, link := range ExtractXMLLinks(fr) {
			cm.enqueueLink(link, depth+1)
		}
		return
	}

	page := ExtractPage(fr)
	cm.Writer.SavePage(page)
	cm.Writer.RecordLanguage(page.URL.String(), page.Language)

	for _, link := range page.Links {
		cm.enqueueLink(link, depth+1)
	}
}

func (cm *CrawlManager) enqueueLink(link *URL, depth int) {
	// cheap depth cut here keeps the frontier from filling with urls the
	// gate would only reject later
	if depth > Config.Crawler.MaxDepth {
		return
	}
	cm.frontier.Enqueue(link, depth)
}
