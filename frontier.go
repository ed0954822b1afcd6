package crawler

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Frontier tracks which URLs have been seen this crawl and hands out work.
// The visited set lives in memory for the fast-path check and is preloaded
// from the store at startup; durable writes go through the Writer.
type Frontier struct {
	store  Datastore
	writer Writer

	mu      sync.Mutex
	visited map[string]bool
}

// NewFrontier builds a Frontier whose visited set is preloaded from the
// store's crawl history.
func NewFrontier(ctx context.Context, store Datastore, writer Writer) (*Frontier, error) {
	urls, err := store.VisitedURLs(ctx)
	if err != nil {
		return nil, Kindedf(Persistence, "failed to preload visited set: %v", err)
	}
	visited := make(map[string]bool, len(urls))
	for _, u := range urls {
		visited[u] = true
	}
	log.Infof("Preloaded %v visited urls", len(visited))
	return &Frontier{store: store, writer: writer, visited: visited}, nil
}

// SeenOrMark reports whether url was already seen, marking it seen if not.
// The check and the mark are one atomic step so two workers can never both
// claim the same URL.
func (f *Frontier) SeenOrMark(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited[url] {
		return true
	}
	f.visited[url] = true
	return false
}

// Seen reports whether url has been seen without marking it.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited[url]
}

// Enqueue adds a discovered link to the durable frontier unless it was
// already seen. The write is asynchronous; the durable insert is
// insert-if-absent so racing enqueues collapse to one row.
func (f *Frontier) Enqueue(u *URL, depth int) {
	url := u.String()
	f.mu.Lock()
	seen := f.visited[url]
	f.mu.Unlock()
	if seen {
		return
	}
	f.writer.EnqueuePending(url, depth)
}

// NextBatch claims up to n frontier entries for fetching.
func (f *Frontier) NextBatch(ctx context.Context, n int) ([]PendingURL, error) {
	batch, err := f.store.ClaimPendingBatch(ctx, n)
	if err != nil {
		return nil, Kinded(Persistence, err)
	}
	return batch, nil
}
