package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nerdcrawler/crawler"
)

func (c *Coordinator) status(w http.ResponseWriter, r *http.Request) {
	pending, processing, completed, err := c.store.QueueCounts(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	host, err := c.store.CurrentHost(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	c.render.JSON(w, http.StatusOK, StatusResponse{
		Pending:     pending,
		Processing:  processing,
		Completed:   completed,
		CurrentHost: host,
	})
}

func (c *Coordinator) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}

	c.mu.Lock()
	if req.DedupeEnabled != nil {
		c.dedupeEnabled = *req.DedupeEnabled
	}
	if req.DedupeInterval != nil {
		d, err := time.ParseDuration(*req.DedupeInterval)
		if err != nil || d < time.Second {
			c.mu.Unlock()
			c.badRequest(w, "invalid dedupe_interval")
			return
		}
		c.dedupeInterval = d
	}
	if req.BatchLimit != nil {
		if *req.BatchLimit < 1 {
			c.mu.Unlock()
			c.badRequest(w, "batch_limit must be greater than 0")
			return
		}
		c.batchLimit = *req.BatchLimit
	}
	resp := ConfigResponse{
		DedupeEnabled:  c.dedupeEnabled,
		DedupeInterval: c.dedupeInterval.String(),
		BatchLimit:     c.batchLimit,
	}
	c.mu.Unlock()

	log.Infof("Coordinator config updated: dedupe=%v interval=%v batch=%v",
		resp.DedupeEnabled, resp.DedupeInterval, resp.BatchLimit)
	c.render.JSON(w, http.StatusOK, resp)
}

func (c *Coordinator) claimURLs(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	limit := c.batchLimit
	c.mu.Unlock()

	urls, err := c.store.ClaimQueueBatch(r.Context(), limit)
	if err != nil {
		c.fail(w, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	c.render.JSON(w, http.StatusOK, URLBatchResponse{URLs: urls})
}

func (c *Coordinator) controlURLs(w http.ResponseWriter, r *http.Request) {
	var req URLControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}
	if !req.Reset {
		c.badRequest(w, "nothing to do")
		return
	}
	reset, purged, err := c.store.ResetQueue(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	log.Infof("Queue reset: %v processing rows returned to pending, %v completed purged", reset, purged)
	c.render.JSON(w, http.StatusOK, ResetResponse{Reset: reset, Purged: purged})
}

func (c *Coordinator) submit(w http.ResponseWriter, r *http.Request) {
	if c.submitToken != "" && !bearerMatches(r, c.submitToken) {
		c.render.JSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}

	u, err := crawler.ParseURL(req.URL)
	if err != nil || u.Hostname() == "" {
		c.badRequest(w, "invalid url")
		return
	}
	if len(u.String()) > crawler.Config.Crawler.MaxURLLength {
		c.badRequest(w, "url too long")
		return
	}
	if len(req.Tags) < crawler.Config.Coordinator.MinSubmitTags {
		c.badRequest(w, "too few tags")
		return
	}
	if crawler.GenericOnly(req.Tags) {
		c.badRequest(w, "tag set carries no signal")
		return
	}

	blacklisted, err := c.store.IsBlacklistedHost(r.Context(), u.Hostname())
	if err != nil {
		c.fail(w, err)
		return
	}
	if blacklisted {
		c.badRequest(w, "host is blacklisted")
		return
	}

	page := &crawler.Page{
		URL:         u,
		Title:       req.Title,
		Summary:     req.Summary,
		Tags:        req.Tags,
		Images:      req.Images,
		Language:    req.Language,
		ContentHash: req.ContentHash,
	}
	if err := c.store.UpsertPage(r.Context(), page); err != nil {
		c.fail(w, err)
		return
	}
	if req.Language != "" {
		if err := c.store.RecordLanguage(r.Context(), u.String(), req.Language); err != nil {
			log.Errorf("Failed to record language for %v: %v", u, err)
		}
	}
	if err := c.store.MarkCompleted(r.Context(), req.URL); err != nil {
		log.Errorf("Failed to complete queue row for %v: %v", req.URL, err)
	}

	enqueued, err := c.enqueueNewURLs(r, req.NewURLs)
	if err != nil {
		c.fail(w, err)
		return
	}
	c.render.JSON(w, http.StatusOK, SubmitResponse{Saved: true, Enqueued: enqueued})
}

// enqueueNewURLs filters a submission's discovered links and queues the
// survivors: capped in number and length, parseable, not blacklisted.
func (c *Coordinator) enqueueNewURLs(r *http.Request, newURLs []string) (int, error) {
	maxURLs := crawler.Config.Coordinator.MaxSubmitURLs
	maxLen := crawler.Config.Crawler.MaxURLLength

	entries, err := c.store.BlacklistEntries(r.Context())
	if err != nil {
		return 0, err
	}

	var accepted []string
	for _, raw := range newURLs {
		if len(accepted) >= maxURLs {
			break
		}
		if len(raw) > maxLen {
			continue
		}
		u, perr := crawler.ParseURL(raw)
		if perr != nil || u.Hostname() == "" {
			continue
		}
		if crawler.Blacklisted(u.Hostname(), entries) {
			continue
		}
		accepted = append(accepted, u.String())
	}
	if len(accepted) == 0 {
		return 0, nil
	}
	return c.store.EnqueueQueue(r.Context(), accepted)
}

func (c *Coordinator) skipDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}
	host := crawler.NormalizeBlacklistPattern(req.Domain)
	if host == "" {
		c.badRequest(w, "domain required")
		return
	}
	skipped, err := c.store.SkipDomain(r.Context(), host)
	if err != nil {
		c.fail(w, err)
		return
	}
	log.Infof("Skipped domain %v: %v queue rows completed", host, skipped)
	c.render.JSON(w, http.StatusOK, SkipResponse{Skipped: skipped})
}

func (c *Coordinator) blacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := c.store.BlacklistEntries(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	c.render.JSON(w, http.StatusOK, BlacklistResponse{Domains: entries})
}

func (c *Coordinator) checkBlacklistDomain(w http.ResponseWriter, r *http.Request) {
	domain := crawler.NormalizeBlacklistPattern(r.URL.Query().Get("domain"))
	if domain == "" {
		c.badRequest(w, "domain query parameter required")
		return
	}
	blacklisted, err := c.store.IsBlacklistedHost(r.Context(), domain)
	if err != nil {
		c.fail(w, err)
		return
	}
	c.render.JSON(w, http.StatusOK, BlacklistCheckResponse{
		Domain:      domain,
		Blacklisted: blacklisted,
	})
}

func (c *Coordinator) blacklistDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}
	if crawler.NormalizeBlacklistPattern(req.Domain) == "" {
		c.badRequest(w, "domain required")
		return
	}
	queueRemoved, pagesRemoved, err := c.store.BlacklistDomain(r.Context(), req.Domain)
	if err != nil {
		c.fail(w, err)
		return
	}
	c.render.JSON(w, http.StatusOK, RemovalResponse{
		QueueRemoved: queueRemoved,
		PagesRemoved: pagesRemoved,
	})
}

func (c *Coordinator) unblacklistDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.badRequest(w, "invalid json: "+err.Error())
		return
	}
	removed, err := c.store.UnblacklistDomain(r.Context(), req.Domain)
	if err != nil {
		c.fail(w, err)
		return
	}
	if !removed {
		c.render.JSON(w, http.StatusNotFound, ErrorResponse{Error: "domain not blacklisted"})
		return
	}
	log.Infof("Unblacklisted %v", crawler.NormalizeBlacklistPattern(req.Domain))
	c.render.JSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (c *Coordinator) clearBlacklistedURLs(w http.ResponseWriter, r *http.Request) {
	queueRemoved, pagesRemoved, err := c.store.ClearBlacklistedData(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	log.Infof("Cleared blacklisted data: %v queue rows, %v pages", queueRemoved, pagesRemoved)
	c.render.JSON(w, http.StatusOK, RemovalResponse{
		QueueRemoved: queueRemoved,
		PagesRemoved: pagesRemoved,
	})
}

func (c *Coordinator) badRequest(w http.ResponseWriter, msg string) {
	c.render.JSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func (c *Coordinator) fail(w http.ResponseWriter, err error) {
	log.Errorf("Coordinator request failed: %v", err)
	c.render.JSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}
