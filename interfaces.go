package crawler

import "context"

// PendingURL is one frontier entry: a URL and the link depth it was
// discovered at.
type PendingURL struct {
	URL   string
	Depth int
}

// Datastore defines the synchronous operations the embedded crawler needs
// from the durable store. postgres.Store provides the production
// implementation.
type Datastore interface {
	// VisitedURLs returns every URL ever crawled, used to preload the
	// in-memory visited set at startup.
	VisitedURLs(ctx context.Context) ([]string, error)

	// PendingCount returns the size of the durable frontier.
	PendingCount(ctx context.Context) (int, error)

	// ClaimPendingBatch atomically removes and returns up to n frontier
	// entries.
	ClaimPendingBatch(ctx context.Context, n int) ([]PendingURL, error)

	// IsBlacklistedHost reports whether host matches a stored blacklist
	// entry, exactly or via a wildcard pattern.
	IsBlacklistedHost(ctx context.Context, host string) (bool, error)

	// RecordBlockedDomain persists a domain whose terms of service block
	// crawling.
	RecordBlockedDomain(ctx context.Context, domain string) error
}

// Writer is the asynchronous write path. Calls enqueue typed requests onto a
// bounded channel consumed by a single goroutine; they block only on channel
// backpressure, never on the database. Requests for the same URL are applied
// in the order they were enqueued.
type Writer interface {
	RecordVisited(url string)
	EnqueuePending(url string, depth int)
	SavePage(page *Page)
	RecordLanguage(url, language string)

	// Close stops accepting requests, drains what was queued, and waits a
	// bounded time for the consumer to finish.
	Close() error
}
