package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nerdcrawler/crawler"
)

// Schema holds the DDL for every table the crawler uses. All statements are
// idempotent so schema creation can run at every startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS crawled_urls (
		url TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS pending_urls (
		url TEXT PRIMARY KEY,
		depth INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS webpages (
		url TEXT PRIMARY KEY,
		title TEXT,
		summary TEXT,
		content_hash BIGINT,
		domain TEXT,
		crawl_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		tsv tsvector GENERATED ALWAYS AS (
			to_tsvector('english', coalesce(title, '') || ' ' || coalesce(summary, ''))
		) STORED
	)`,

	`CREATE INDEX IF NOT EXISTS webpages_tsv_idx ON webpages USING GIN (tsv)`,
	`CREATE INDEX IF NOT EXISTS webpages_domain_idx ON webpages (domain)`,

	`CREATE TABLE IF NOT EXISTS tags (
		url TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (url, tag)
	)`,

	`CREATE INDEX IF NOT EXISTS tags_tag_idx ON tags (tag)`,

	`CREATE TABLE IF NOT EXISTS images (
		url TEXT NOT NULL,
		image_url TEXT NOT NULL,
		PRIMARY KEY (url, image_url)
	)`,

	`CREATE TABLE IF NOT EXISTS language (
		url TEXT PRIMARY KEY,
		language TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS blocked_domains (
		domain TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS blacklisted_domains (
		domain TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS crawl_queue (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		last_crawled TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS crawl_queue_status_idx ON crawl_queue (status)`,
}

// CreateSchema applies the schema and runs migrations for installations
// created before a column existed.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range Schema {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return migrate(ctx, pool)
}

// migrate backfills schema changes on existing installations. The original
// deployment predates the pending_urls.depth column, so older databases need
// it added.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'pending_urls' AND column_name = 'depth'
		)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to probe pending_urls schema: %w", err)
	}
	if !exists {
		log.Infof("Migrating: adding depth column to pending_urls")
		_, err = pool.Exec(ctx,
			`ALTER TABLE pending_urls ADD COLUMN depth INTEGER NOT NULL DEFAULT 0`)
		if err != nil {
			return fmt.Errorf("failed to add pending_urls.depth: %w", err)
		}
	}
	return nil
}

// DSN builds a pgx connection string from the crawler configuration.
func DSN() string {
	cfg := &crawler.Config.Postgres
	connectTimeout := 5
	if d, err := time.ParseDuration(cfg.ConnectTimeout); err == nil && d >= time.Second {
		connectTimeout = int(d.Seconds())
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s pool_max_conns=%d connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.PoolMaxConns, connectTimeout,
	)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	return dsn
}
