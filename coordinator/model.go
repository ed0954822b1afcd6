// Package coordinator serves the HTTP API that remote workers crawl
// against: batch claims, page submission, queue control, and blacklist
// administration.
package coordinator

import (
	"context"

	"github.com/nerdcrawler/crawler"
)

// Store is the slice of the datastore the coordinator consumes. The
// postgres.Store satisfies it.
type Store interface {
	QueueCounts(ctx context.Context) (pending, processing, completed int, err error)
	CurrentHost(ctx context.Context) (string, error)
	ClaimQueueBatch(ctx context.Context, limit int) ([]string, error)
	EnqueueQueue(ctx context.Context, urls []string) (int, error)
	MarkCompleted(ctx context.Context, url string) error
	ResetQueue(ctx context.Context) (reset, purged int64, err error)
	SkipDomain(ctx context.Context, host string) (int64, error)
	SweepDuplicatePending(ctx context.Context) (int64, error)

	BlacklistEntries(ctx context.Context) ([]string, error)
	IsBlacklistedHost(ctx context.Context, host string) (bool, error)
	BlacklistDomain(ctx context.Context, pattern string) (queueRemoved, pagesRemoved int64, err error)
	UnblacklistDomain(ctx context.Context, pattern string) (bool, error)
	ClearBlacklistedData(ctx context.Context) (queueRemoved, pagesRemoved int64, err error)

	UpsertPage(ctx context.Context, page *crawler.Page) error
	RecordLanguage(ctx context.Context, url, language string) error
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Pending     int    `json:"pending"`
	Processing  int    `json:"processing"`
	Completed   int    `json:"completed"`
	CurrentHost string `json:"current_host"`
}

// ConfigRequest is the body of POST /config. Pointer fields distinguish
// "leave unchanged" from an explicit value.
type ConfigRequest struct {
	DedupeEnabled  *bool   `json:"dedupe_enabled,omitempty"`
	DedupeInterval *string `json:"dedupe_interval,omitempty"`
	BatchLimit     *int    `json:"batch_limit,omitempty"`
}

// ConfigResponse reports the coordinator's live settings.
type ConfigResponse struct {
	DedupeEnabled  bool   `json:"dedupe_enabled"`
	DedupeInterval string `json:"dedupe_interval"`
	BatchLimit     int    `json:"batch_limit"`
}

// URLBatchResponse is the body of GET /urls.
type URLBatchResponse struct {
	URLs []string `json:"urls"`
}

// URLControlRequest is the body of POST /urls.
type URLControlRequest struct {
	Reset bool `json:"reset"`
}

// ResetResponse reports the outcome of a queue reset.
type ResetResponse struct {
	Reset  int64 `json:"reset"`
	Purged int64 `json:"purged"`
}

// SubmitRequest is a worker's crawl result for one URL.
type SubmitRequest struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	ContentHash uint64   `json:"content_hash"`
	Tags        []string `json:"tags"`
	Images      []string `json:"images"`
	Language    string   `json:"language"`
	NewURLs     []string `json:"new_urls"`
}

// SubmitResponse reports what the coordinator did with a submission.
type SubmitResponse struct {
	Saved    bool `json:"saved"`
	Enqueued int  `json:"enqueued"`
}

// DomainRequest names a domain or pattern for the domain endpoints.
type DomainRequest struct {
	Domain string `json:"domain"`
}

// BlacklistResponse is the body of GET /blacklist.
type BlacklistResponse struct {
	Domains []string `json:"domains"`
}

// BlacklistCheckResponse is the body of GET /blacklist_domain.
type BlacklistCheckResponse struct {
	Domain      string `json:"domain"`
	Blacklisted bool   `json:"blacklisted"`
}

// RemovalResponse reports rows removed by a blacklist operation.
type RemovalResponse struct {
	QueueRemoved int64 `json:"queue_removed"`
	PagesRemoved int64 `json:"pages_removed"`
}

// SkipResponse reports rows completed by POST /skip_domain.
type SkipResponse struct {
	Skipped int64 `json:"skipped"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
