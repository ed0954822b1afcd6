package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nerdcrawler/crawler"
)

// writeRequest is one typed unit of work for the writer's consumer. Each
// request runs in its own transaction; a failure is logged and the consumer
// moves on.
type writeRequest interface {
	apply(ctx context.Context, s *Store) error
	describe() string
}

type visitedRequest struct{ url string }

func (r visitedRequest) apply(ctx context.Context, s *Store) error {
	return s.RecordVisited(ctx, r.url)
}
func (r visitedRequest) describe() string { return fmt.Sprintf("record_visited %v", r.url) }

type pendingRequest struct {
	url   string
	depth int
}

func (r pendingRequest) apply(ctx context.Context, s *Store) error {
	return s.EnqueuePending(ctx, r.url, r.depth)
}
func (r pendingRequest) describe() string { return fmt.Sprintf("enqueue_pending %v", r.url) }

type pageRequest struct{ page *crawler.Page }

func (r pageRequest) apply(ctx context.Context, s *Store) error {
	saved, err := s.SavePage(ctx, r.page)
	if err == nil && !saved {
		return errDuplicatePage
	}
	return err
}
func (r pageRequest) describe() string { return fmt.Sprintf("save_page %v", r.page.URL) }

type languageRequest struct{ url, language string }

func (r languageRequest) apply(ctx context.Context, s *Store) error {
	return s.RecordLanguage(ctx, r.url, r.language)
}
func (r languageRequest) describe() string { return fmt.Sprintf("record_language %v", r.url) }

var errDuplicatePage = crawler.Kindedf(crawler.Duplicate, "near-duplicate page dropped")

// Writer funnels all of the embedded crawler's writes through one consumer
// goroutine, so requests for the same URL apply in the order they were
// enqueued. Producers block only when the queue is full.
type Writer struct {
	store *Store
	queue chan writeRequest
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	duplicates atomic.Int64
	failures   atomic.Int64
}

// NewWriter starts the consumer goroutine. The queue size and the shutdown
// join timeout come from the postgres config section.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		queue: make(chan writeRequest, crawler.Config.Postgres.WriteQueueSize),
		done:  make(chan struct{}),
	}
	go w.consume()
	return w
}

func (w *Writer) consume() {
	defer close(w.done)
	ctx := context.Background()
	for req := range w.queue {
		err := req.apply(ctx, w.store)
		switch {
		case err == nil:
		case crawler.IsKind(err, crawler.Duplicate):
			w.duplicates.Add(1)
		default:
			w.failures.Add(1)
			log.Errorf("Write failed (%v): %v", req.describe(), err)
		}
	}
}

func (w *Writer) send(req writeRequest) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		log.Errorf("Dropping write after close: %v", req.describe())
		return
	}
	w.queue <- req
}

// RecordVisited queues a crawled-URL record.
func (w *Writer) RecordVisited(url string) {
	w.send(visitedRequest{url: url})
}

// EnqueuePending queues a frontier insert.
func (w *Writer) EnqueuePending(url string, depth int) {
	w.send(pendingRequest{url: url, depth: depth})
}

// SavePage queues a page write. Near-duplicate detection happens on the
// consumer side, against the store as it is when the request applies.
func (w *Writer) SavePage(page *crawler.Page) {
	w.send(pageRequest{page: page})
}

// RecordLanguage queues a language record.
func (w *Writer) RecordLanguage(url, language string) {
	w.send(languageRequest{url: url, language: language})
}

// DuplicateCount reports how many pages the consumer dropped as near
// duplicates.
func (w *Writer) DuplicateCount() int64 {
	return w.duplicates.Load()
}

// Close stops accepting writes, lets the consumer drain the queue, and waits
// a bounded time for it to finish. Requests still queued when the timeout
// expires are abandoned with an error logged.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	timeout := 30 * time.Second
	if d, err := time.ParseDuration(crawler.Config.Postgres.WriterJoinTimeout); err == nil {
		timeout = d
	}
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("writer did not drain within %v", timeout)
	}
}
