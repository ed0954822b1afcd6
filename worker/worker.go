package worker

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"github.com/nerdcrawler/crawler"
	"github.com/nerdcrawler/crawler/coordinator"
)

// Worker runs the remote crawl loop against a coordinator. It has no
// database of its own; the coordinator is its only source of truth.
type Worker struct {
	client   *Client
	fetcher  *crawler.Fetcher
	throttle *crawler.Throttle
	gate     *crawler.PolicyGate

	threads       int
	enforceRobots bool
	cacheTTL      time.Duration

	blacklist *lru.Cache

	stop     chan struct{}
	stopOnce sync.Once
}

type blacklistEntry struct {
	blacklisted bool
	checked     time.Time
}

// New builds a Worker from the current configuration. The thread count is
// capped at the machine's CPU count.
func New() *Worker {
	threads := crawler.Config.Worker.Threads
	if max := runtime.NumCPU(); threads > max {
		log.Infof("Capping worker threads at %v cpus (wanted %v)", max, threads)
		threads = max
	}
	cache, err := lru.New(4096)
	if err != nil {
		panic(err.Error())
	}
	throttle := crawler.NewThrottle()
	return &Worker{
		client:        NewClient(),
		fetcher:       crawler.NewFetcher(),
		throttle:      throttle,
		gate:          crawler.NewPolicyGate(throttle),
		threads:       threads,
		enforceRobots: crawler.Config.Worker.EnforceRobots,
		cacheTTL:      cacheTTL(),
		blacklist:     cache,
		stop:          make(chan struct{}),
	}
}

func cacheTTL() time.Duration {
	d, err := time.ParseDuration(crawler.Config.Worker.BlacklistCacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Run executes the worker loop until Stop is called: claim a batch, crawl
// it with the configured parallelism, repeat. An empty queue triggers one
// reset request, then a jittered backoff.
func (w *Worker) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.stop
		cancel()
	}()

	requestedReset := false
	for {
		select {
		case <-w.stop:
			return nil
		default:
		}

		batch, err := w.client.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Failed to fetch batch: %v", err)
			w.pause(5*time.Second, 10*time.Second)
			continue
		}

		if len(batch) == 0 {
			if !requestedReset {
				log.Infof("Queue empty, requesting reset")
				if err := w.client.RequestReset(ctx); err != nil {
					log.Errorf("Reset request failed: %v", err)
				}
				requestedReset = true
				continue
			}
			w.pause(5*time.Second, 10*time.Second)
			continue
		}
		requestedReset = false

		w.crawlBatch(ctx, batch)
	}
}

// Stop signals the loop to wind down. In-flight URLs finish their fetch.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) crawlBatch(ctx context.Context, batch []string) {
	urls := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < w.threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range urls {
				w.crawlOne(ctx, url)
				w.pause(time.Second, 3*time.Second)
			}
		}()
	}
	for _, url := range batch {
		select {
		case <-w.stop:
			close(urls)
			wg.Wait()
			return
		case urls <- url:
		}
	}
	close(urls)
	wg.Wait()
}

func (w *Worker) crawlOne(ctx context.Context, rawURL string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic crawling %v: %v", rawURL, r)
		}
	}()

	u, err := crawler.ParseURL(rawURL)
	if err != nil || u.Hostname() == "" {
		log.Infof("Skipping unparseable url %v", rawURL)
		return
	}

	if w.domainBlacklisted(ctx, u.Hostname()) {
		log.Infof("Skipping %v, domain blacklisted", u)
		return
	}

	if w.enforceRobots && !w.gate.RobotsAllowed(ctx, u) {
		log.Infof("Skipping %v, disallowed by robots.txt", u)
		return
	}

	if err := w.throttle.Wait(ctx, u.Hostname()); err != nil {
		return
	}

	fr, err := w.fetcher.Fetch(ctx, u)
	if err != nil {
		log.Debugf("Fetch failed: %v", err)
		return
	}
	if fr.StatusCode < 200 || fr.StatusCode >= 300 {
		log.Debugf("Got status %v for %v", fr.StatusCode, u)
		return
	}
	if !fr.IsHTML() || crawler.IsXML(fr.Body) {
		log.Debugf("Skipping non-html content at %v", u)
		return
	}

	page := crawler.ExtractPage(fr)
	tags := crawler.WorkerTags(u, crawler.Config.Coordinator.DomainTags,
		crawler.Config.Coordinator.MinSubmitTags)
	if crawler.GenericOnly(tags) {
		log.Infof("Skipping submit for %v, tags carry no signal", u)
		return
	}

	maxURLs := crawler.Config.Coordinator.MaxSubmitURLs
	var newURLs []string
	for _, link := range page.Links {
		if len(newURLs) >= maxURLs {
			break
		}
		newURLs = append(newURLs, link.String())
	}

	err = w.client.Submit(ctx, coordinator.SubmitRequest{
		URL:         u.String(),
		Title:       page.Title,
		Summary:     page.Summary,
		ContentHash: page.ContentHash,
		Tags:        tags,
		Images:      page.Images,
		Language:    page.Language,
		NewURLs:     newURLs,
	})
	if err != nil {
		log.Errorf("Submit failed for %v: %v", u, err)
	}
}

// domainBlacklisted consults the coordinator's blacklist with a TTL cache in
// front. When the coordinator cannot be reached the domain is treated as
// blacklisted, so a broken control plane stops the crawl rather than letting
// it run unchecked.
func (w *Worker) domainBlacklisted(ctx context.Context, domain string) bool {
	if cached, ok := w.blacklist.Get(domain); ok {
		entry := cached.(blacklistEntry)
		if time.Since(entry.checked) < w.cacheTTL {
			return entry.blacklisted
		}
	}

	blacklisted, err := w.client.IsBlacklisted(ctx, domain)
	if err != nil {
		log.Errorf("Blacklist check failed for %v, failing closed: %v", domain, err)
		return true
	}
	w.blacklist.Add(domain, blacklistEntry{blacklisted: blacklisted, checked: time.Now()})
	return blacklisted
}

func (w *Worker) pause(min, max time.Duration) {
	d := min + time.Duration(rand.Int63n(int64(max-min)))
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}
