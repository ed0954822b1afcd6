// Package postgres implements the crawler's durable store on PostgreSQL,
// plus the single-consumer write queue the embedded crawler funnels its
// writes through.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nerdcrawler/crawler"
)

// Queue row states. Rows move pending -> processing -> completed, or out of
// the machine entirely when their domain is blacklisted.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Store is the PostgreSQL-backed datastore. It serves both the embedded
// crawler (frontier, pages, policy tables) and the coordinator (crawl_queue
// state machine, blacklist administration).
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore connects a pool using the crawler configuration and verifies the
// connection with a ping.
func NewStore(ctx context.Context) (*Store, error) {
	pool, err := pgxpool.New(ctx, DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

//
// Frontier operations (embedded crawler)
//

// VisitedURLs returns every URL recorded as crawled.
func (s *Store) VisitedURLs(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT url FROM crawled_urls`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// PendingCount returns the size of the durable frontier.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_urls`).Scan(&count)
	return count, err
}

// ClaimPendingBatch removes and returns up to n frontier entries. The select
// and delete run in one transaction with SKIP LOCKED so concurrent claimers
// never hand out the same URL twice.
func (s *Store) ClaimPendingBatch(ctx context.Context, n int) ([]crawler.PendingURL, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT url, depth FROM pending_urls LIMIT $1 FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, err
	}
	var batch []crawler.PendingURL
	var urls []string
	for rows.Next() {
		var p crawler.PendingURL
		if err := rows.Scan(&p.URL, &p.Depth); err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, p)
		urls = append(urls, p.URL)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(urls) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM pending_urls WHERE url = ANY($1)`, urls); err != nil {
			return nil, err
		}
	}
	return batch, tx.Commit(ctx)
}

// RecordVisited marks a URL as crawled. Idempotent.
func (s *Store) RecordVisited(ctx context.Context, url string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO crawled_urls (url) VALUES ($1) ON CONFLICT DO NOTHING`, url)
	return err
}

// EnqueuePending adds a URL to the durable frontier unless it was already
// crawled or already queued.
func (s *Store) EnqueuePending(ctx context.Context, url string, depth int) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO pending_urls (url, depth)
		 SELECT $1, $2 WHERE NOT EXISTS (SELECT 1 FROM crawled_urls WHERE url = $1)
		 ON CONFLICT DO NOTHING`, url, depth)
	return err
}

//
// Policy tables
//

// IsBlacklistedHost reports whether host matches any stored blacklist entry.
// Wildcard matching happens in Go so exact entries and *.suffix patterns use
// one code path everywhere.
func (s *Store) IsBlacklistedHost(ctx context.Context, host string) (bool, error) {
	entries, err := s.BlacklistEntries(ctx)
	if err != nil {
		return false, err
	}
	return crawler.Blacklisted(host, entries), nil
}

// BlacklistEntries returns every stored blacklist pattern.
func (s *Store) BlacklistEntries(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT domain FROM blacklisted_domains ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordBlockedDomain persists a domain whose terms of service block
// crawling.
func (s *Store) RecordBlockedDomain(ctx context.Context, domain string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO blocked_domains (domain) VALUES ($1) ON CONFLICT DO NOTHING`, domain)
	return err
}

//
// Pages
//

// SavePage stores an extracted page with its tags and images, unless a near
// duplicate already exists. Returns false when the page was dropped as a
// duplicate.
func (s *Store) SavePage(ctx context.Context, page *crawler.Page) (bool, error) {
	dup, err := s.findNearDuplicate(ctx, page)
	if err != nil {
		return false, err
	}
	if dup != "" {
		log.Infof("Dropping near-duplicate of %v: %v", dup, page.URL)
		return false, nil
	}
	return true, s.UpsertPage(ctx, page)
}

// findNearDuplicate looks for a stored page whose URL path (trailing slash
// ignored) matches the candidate's and whose content hash is within the
// near-duplicate Hamming distance. Returns the matching URL or "".
func (s *Store) findNearDuplicate(ctx context.Context, page *crawler.Page) (string, error) {
	pathKey := page.URL.PathKey()
	query := `SELECT url, content_hash FROM webpages WHERE content_hash IS NOT NULL`
	args := []interface{}{}
	if pathKey != "" {
		query += ` AND url LIKE '%' || $1 || '%'`
		args = append(args, pathKey)
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	self := page.URL.String()
	for rows.Next() {
		var url string
		var hash int64
		if err := rows.Scan(&url, &hash); err != nil {
			return "", err
		}
		if url == self {
			continue
		}
		candidate, perr := crawler.ParseURL(url)
		if perr != nil || candidate.PathKey() != pathKey {
			continue
		}
		if crawler.NearDuplicate(uint64(hash), page.ContentHash) {
			return url, nil
		}
	}
	return "", rows.Err()
}

// UpsertPage writes a page and its tags and images in one transaction. The
// upsert never overwrites populated columns with empty values, so partial
// submissions from different workers merge instead of clobbering.
func (s *Store) UpsertPage(ctx context.Context, page *crawler.Page) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	url := page.URL.String()
	_, err = tx.Exec(ctx,
		`INSERT INTO webpages (url, title, summary, content_hash, domain)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, 0), NULLIF($5, ''))
		 ON CONFLICT (url) DO UPDATE SET
			title = COALESCE(NULLIF(EXCLUDED.title, ''), webpages.title),
			summary = COALESCE(NULLIF(EXCLUDED.summary, ''), webpages.summary),
			content_hash = COALESCE(EXCLUDED.content_hash, webpages.content_hash),
			domain = COALESCE(NULLIF(EXCLUDED.domain, ''), webpages.domain),
			crawl_time = NOW()`,
		url, page.Title, page.Summary, int64(page.ContentHash), page.Domain())
	if err != nil {
		return err
	}

	for _, tag := range page.Tags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tags (url, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			url, tag); err != nil {
			return err
		}
	}
	for _, img := range page.Images {
		if _, err := tx.Exec(ctx,
			`INSERT INTO images (url, image_url) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			url, img); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// RecordLanguage stores the detected language for a URL.
func (s *Store) RecordLanguage(ctx context.Context, url, language string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO language (url, language) VALUES ($1, $2)
		 ON CONFLICT (url) DO UPDATE SET language = EXCLUDED.language`,
		url, language)
	return err
}

//
// Coordinator queue state machine
//

// QueueCounts returns how many queue rows sit in each state.
func (s *Store) QueueCounts(ctx context.Context) (pending, processing, completed int, err error) {
	rows, qerr := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM crawl_queue GROUP BY status`)
	if qerr != nil {
		return 0, 0, 0, qerr
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, err
		}
		switch status {
		case StatusPending:
			pending = count
		case StatusProcessing:
			processing = count
		case StatusCompleted:
			completed = count
		}
	}
	return pending, processing, completed, rows.Err()
}

// CurrentHost returns the host of the oldest pending queue row, "" when the
// queue has no pending work.
func (s *Store) CurrentHost(ctx context.Context) (string, error) {
	var url string
	err := s.Pool.QueryRow(ctx,
		`SELECT url FROM crawl_queue WHERE status = $1 ORDER BY id LIMIT 1`,
		StatusPending).Scan(&url)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	u, perr := crawler.ParseURL(url)
	if perr != nil {
		return "", nil
	}
	return u.Hostname(), nil
}

// ClaimQueueBatch hands a worker up to limit pending queue rows, all from
// the same host so the worker's politeness delay stays meaningful. Claimed
// rows move to processing. SKIP LOCKED keeps concurrent workers from
// claiming the same rows.
func (s *Store) ClaimQueueBatch(ctx context.Context, limit int) ([]string, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var first string
	err = tx.QueryRow(ctx,
		`SELECT url FROM crawl_queue WHERE status = $1
		 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`,
		StatusPending).Scan(&first)
	if err == pgx.ErrNoRows {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, err
	}
	firstURL, perr := crawler.ParseURL(first)
	if perr != nil {
		// poisoned row, complete it so it stops heading the queue
		if _, err := tx.Exec(ctx,
			`UPDATE crawl_queue SET status = $1, last_crawled = NOW() WHERE url = $2`,
			StatusCompleted, first); err != nil {
			return nil, err
		}
		return nil, tx.Commit(ctx)
	}
	host := firstURL.Hostname()

	rows, err := tx.Query(ctx,
		`SELECT id, url FROM crawl_queue WHERE status = $1
		 ORDER BY id FOR UPDATE SKIP LOCKED`, StatusPending)
	if err != nil {
		return nil, err
	}
	var ids []int64
	var urls []string
	for rows.Next() {
		var id int64
		var url string
		if err := rows.Scan(&id, &url); err != nil {
			rows.Close()
			return nil, err
		}
		u, perr := crawler.ParseURL(url)
		if perr != nil || u.Hostname() != host {
			continue
		}
		ids = append(ids, id)
		urls = append(urls, url)
		if len(urls) >= limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE crawl_queue SET status = $1 WHERE id = ANY($2)`,
			StatusProcessing, ids); err != nil {
			return nil, err
		}
	}
	return urls, tx.Commit(ctx)
}

// EnqueueQueue inserts URLs as pending queue rows, ignoring ones already
// present in any state. Returns how many rows were actually added.
func (s *Store) EnqueueQueue(ctx context.Context, urls []string) (int, error) {
	added := 0
	for _, url := range urls {
		tag, err := s.Pool.Exec(ctx,
			`INSERT INTO crawl_queue (url) VALUES ($1) ON CONFLICT (url) DO NOTHING`, url)
		if err != nil {
			return added, err
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// MarkCompleted moves a queue row to completed.
func (s *Store) MarkCompleted(ctx context.Context, url string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE crawl_queue SET status = $1, last_crawled = NOW() WHERE url = $2`,
		StatusCompleted, url)
	return err
}

// ResetQueue returns processing rows to pending and purges completed rows.
func (s *Store) ResetQueue(ctx context.Context) (reset, purged int64, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE crawl_queue SET status = $1 WHERE status = $2`,
		StatusPending, StatusProcessing)
	if err != nil {
		return 0, 0, err
	}
	reset = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM crawl_queue WHERE status = $1`, StatusCompleted)
	if err != nil {
		return 0, 0, err
	}
	purged = tag.RowsAffected()

	return reset, purged, tx.Commit(ctx)
}

// SkipDomain completes every pending or processing queue row for a host.
func (s *Store) SkipDomain(ctx context.Context, host string) (int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT url FROM crawl_queue WHERE status IN ($1, $2)`,
		StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	var matching []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return 0, err
		}
		if u, perr := crawler.ParseURL(url); perr == nil && u.Hostname() == host {
			matching = append(matching, url)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(matching) == 0 {
		return 0, nil
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE crawl_queue SET status = $1, last_crawled = NOW() WHERE url = ANY($2)`,
		StatusCompleted, matching)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SweepDuplicatePending deletes pending queue rows whose URLs differ only by
// a trailing slash, keeping the lowest id of each group.
func (s *Store) SweepDuplicatePending(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`WITH ranked AS (
			SELECT id, ROW_NUMBER() OVER (
				PARTITION BY RTRIM(url, '/') ORDER BY id
			) AS rn
			FROM crawl_queue WHERE status = $1
		)
		DELETE FROM crawl_queue WHERE id IN (SELECT id FROM ranked WHERE rn > 1)`,
		StatusPending)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

//
// Blacklist administration
//

// BlacklistDomain stores a blacklist pattern, then removes every queue row
// and stored page whose host the pattern covers. Queue rows pass through a
// blacklisted marker state inside the transaction before deletion so a
// failure partway never leaves them claimable.
func (s *Store) BlacklistDomain(ctx context.Context, pattern string) (queueRemoved, pagesRemoved int64, err error) {
	pattern = crawler.NormalizeBlacklistPattern(pattern)
	if pattern == "" {
		return 0, 0, fmt.Errorf("empty blacklist pattern")
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx,
		`INSERT INTO blacklisted_domains (domain) VALUES ($1) ON CONFLICT DO NOTHING`,
		pattern); err != nil {
		return 0, 0, err
	}

	queueRemoved, err = deleteMatchingQueueRows(ctx, tx, []string{pattern})
	if err != nil {
		return 0, 0, err
	}
	pagesRemoved, err = deleteMatchingPages(ctx, tx, []string{pattern})
	if err != nil {
		return 0, 0, err
	}

	log.Infof("Blacklisted %v: removed %v queue rows, %v pages", pattern, queueRemoved, pagesRemoved)
	return queueRemoved, pagesRemoved, tx.Commit(ctx)
}

// UnblacklistDomain removes a stored blacklist pattern. Returns false when
// the pattern was not present.
func (s *Store) UnblacklistDomain(ctx context.Context, pattern string) (bool, error) {
	pattern = crawler.NormalizeBlacklistPattern(pattern)
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM blacklisted_domains WHERE domain = $1`, pattern)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearBlacklistedData removes every queue row and stored page matching any
// current blacklist entry. Used after new patterns were added out of band.
func (s *Store) ClearBlacklistedData(ctx context.Context) (queueRemoved, pagesRemoved int64, err error) {
	entries, err := s.BlacklistEntries(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	queueRemoved, err = deleteMatchingQueueRows(ctx, tx, entries)
	if err != nil {
		return 0, 0, err
	}
	pagesRemoved, err = deleteMatchingPages(ctx, tx, entries)
	if err != nil {
		return 0, 0, err
	}
	return queueRemoved, pagesRemoved, tx.Commit(ctx)
}

func deleteMatchingQueueRows(ctx context.Context, tx pgx.Tx, entries []string) (int64, error) {
	urls, err := matchingURLs(ctx, tx, `SELECT url FROM crawl_queue`, entries)
	if err != nil {
		return 0, err
	}
	if len(urls) == 0 {
		return 0, nil
	}
	// mark first so a failed delete leaves the rows unclaimable
	if _, err := tx.Exec(ctx,
		`UPDATE crawl_queue SET status = 'blacklisted' WHERE url = ANY($1)`, urls); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM crawl_queue WHERE url = ANY($1)`, urls)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func deleteMatchingPages(ctx context.Context, tx pgx.Tx, entries []string) (int64, error) {
	urls, err := matchingURLs(ctx, tx, `SELECT url FROM webpages`, entries)
	if err != nil {
		return 0, err
	}
	if len(urls) == 0 {
		return 0, nil
	}
	for _, table := range []string{"tags", "images", "language"} {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+table+` WHERE url = ANY($1)`, urls); err != nil {
			return 0, err
		}
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM webpages WHERE url = ANY($1)`, urls)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// matchingURLs runs a single-column url query and returns the URLs whose
// host matches any blacklist entry.
func matchingURLs(ctx context.Context, tx pgx.Tx, query string, entries []string) ([]string, error) {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matching []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		host := hostOf(url)
		if host != "" && crawler.Blacklisted(host, entries) {
			matching = append(matching, url)
		}
	}
	return matching, rows.Err()
}

func hostOf(url string) string {
	u, err := crawler.ParseURL(url)
	if err != nil {
		// queue rows can hold bare hosts pasted in by hand
		trimmed := strings.TrimSpace(url)
		if !strings.Contains(trimmed, "/") && trimmed != "" {
			return strings.ToLower(trimmed)
		}
		return ""
	}
	return u.Hostname()
}
