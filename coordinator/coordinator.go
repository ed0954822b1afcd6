package coordinator

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/unrolled/render"

	"github.com/nerdcrawler/crawler"
)

// Coordinator is the HTTP server workers talk to. It owns the crawl_queue
// state machine and the periodic duplicate sweep.
type Coordinator struct {
	store  Store
	render *render.Render
	server *http.Server

	authToken   string
	submitToken string

	mu             sync.Mutex
	dedupeEnabled  bool
	dedupeInterval time.Duration
	batchLimit     int

	stop     chan struct{}
	stopOnce sync.Once
	sweeping sync.WaitGroup
}

// New builds a Coordinator from the current crawler configuration.
func New(store Store) *Coordinator {
	cfg := &crawler.Config.Coordinator
	c := &Coordinator{
		store:          store,
		render:         render.New(render.Options{IndentJSON: true}),
		authToken:      cfg.AuthToken,
		submitToken:    cfg.SubmitToken,
		dedupeEnabled:  cfg.DedupeEnabled,
		dedupeInterval: dedupeInterval(cfg.DedupeInterval),
		batchLimit:     cfg.BatchLimit,
		stop:           make(chan struct{}),
	}
	if c.authToken == "" {
		log.Warnf("coordinator.auth_token is empty, API authentication is disabled")
	}
	return c
}

func dedupeInterval(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil || d < time.Second {
		return 10 * time.Minute
	}
	return d
}

// Routes builds the API router. Exposed separately from Run so tests can
// drive the handlers through httptest.
func (c *Coordinator) Routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/crawler").Subrouter()

	api.Handle("/status", c.auth(c.status)).Methods("GET")
	api.Handle("/config", c.auth(c.updateConfig)).Methods("POST")
	api.Handle("/urls", c.auth(c.claimURLs)).Methods("GET")
	api.Handle("/urls", c.auth(c.controlURLs)).Methods("POST")
	api.Handle("/submit", http.HandlerFunc(c.submit)).Methods("POST")
	api.Handle("/skip_domain", c.auth(c.skipDomain)).Methods("POST")
	api.Handle("/blacklist", c.auth(c.blacklist)).Methods("GET")
	api.Handle("/blacklist_domain", c.auth(c.checkBlacklistDomain)).Methods("GET")
	api.Handle("/blacklist_domain", c.auth(c.blacklistDomain)).Methods("POST")
	api.Handle("/unblacklist_domain", c.auth(c.unblacklistDomain)).Methods("POST")
	api.Handle("/clear_blacklisted_urls", c.auth(c.clearBlacklistedURLs)).Methods("POST")

	return r
}

// auth wraps a handler with Bearer token authentication. With no token
// configured everything is allowed.
func (c *Coordinator) auth(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.authToken != "" && !bearerMatches(r, c.authToken) {
			c.render.JSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		h(w, r)
	})
}

func bearerMatches(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// Run serves the API on the configured address and starts the duplicate
// sweep. It blocks until Shutdown is called or the listener fails.
func (c *Coordinator) Run() error {
	c.sweeping.Add(1)
	go c.sweepLoop()

	c.server = &http.Server{
		Addr:    crawler.Config.Coordinator.Addr,
		Handler: c.Routes(),
	}
	log.Infof("Coordinator listening on %v", c.server.Addr)
	err := c.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the sweep and drains the HTTP server.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.sweeping.Wait()
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// sweepLoop periodically deletes duplicate pending queue rows. The interval
// and enable flag are live settings changed through POST /config.
func (c *Coordinator) sweepLoop() {
	defer c.sweeping.Done()
	for {
		c.mu.Lock()
		interval := c.dedupeInterval
		enabled := c.dedupeEnabled
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		case <-time.After(interval):
		}
		if !enabled {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		removed, err := c.store.SweepDuplicatePending(ctx)
		cancel()
		if err != nil {
			log.Errorf("Duplicate sweep failed: %v", err)
			continue
		}
		if removed > 0 {
			log.Infof("Duplicate sweep removed %v pending rows", removed)
		}
	}
}
