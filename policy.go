package crawler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// PolicyGate decides whether a URL may be fetched. Checks run in a fixed
// order and the first veto wins: depth, scheme, blacklist, robots.txt,
// terms-of-service heuristic. Every veto comes back as a PolicyDrop error
// naming the reason.
type PolicyGate struct {
	throttle *Throttle

	// IsBlacklisted consults the blacklist for a host. nil means no
	// blacklist check.
	IsBlacklisted func(ctx context.Context, host string) (bool, error)

	// OnBlockedDomain persists a domain the ToS heuristic blocked. nil
	// means blocks are process-local only.
	OnBlockedDomain func(ctx context.Context, domain string) error

	client *http.Client
	robots *lru.Cache

	mu         sync.Mutex
	tosChecked map[string]bool
	tosBlocked map[string]bool
}

// NewPolicyGate builds a gate from the current Config. The throttle is
// shared with the fetcher so robots Crawl-delay directives take effect.
func NewPolicyGate(throttle *Throttle) *PolicyGate {
	cache, err := lru.New(Config.Policy.RobotsCacheSize)
	if err != nil {
		panic(err.Error())
	}
	return &PolicyGate{
		throttle: throttle,
		client: &http.Client{
			Timeout: durationOrDefault(Config.Policy.TOSTimeout, 5*time.Second),
		},
		robots:     cache,
		tosChecked: make(map[string]bool),
		tosBlocked: make(map[string]bool),
	}
}

// Check applies every policy to u at the given link depth. A nil return
// means the URL may be fetched.
func (g *PolicyGate) Check(ctx context.Context, u *URL, depth int) error {
	if depth > Config.Crawler.MaxDepth {
		return Kindedf(PolicyDrop, "%v exceeds max depth (%v > %v)", u, depth, Config.Crawler.MaxDepth)
	}

	if !acceptedScheme(u.Scheme) {
		return Kindedf(PolicyDrop, "%v has unsupported scheme %q", u, u.Scheme)
	}

	host := u.Hostname()
	if g.IsBlacklisted != nil {
		black, err := g.IsBlacklisted(ctx, host)
		if err != nil {
			return Kinded(Persistence, err)
		}
		if black {
			return Kindedf(PolicyDrop, "%v host is blacklisted", u)
		}
	}

	if Config.Policy.RespectRobots && !g.robotsAllowed(ctx, u) {
		return Kindedf(PolicyDrop, "%v disallowed by robots.txt", u)
	}

	if !Config.Policy.IgnoreTOS && g.tosBlocks(ctx, u) {
		return Kindedf(PolicyDrop, "%v domain blocks crawlers in its terms of service", u)
	}

	return nil
}

// RobotsAllowed reports whether robots.txt permits fetching u. Remote
// workers enforce robots through this without running the rest of the gate.
func (g *PolicyGate) RobotsAllowed(ctx context.Context, u *URL) bool {
	return g.robotsAllowed(ctx, u)
}

// robotsAllowed fetches and caches robots.txt for the URL's host and tests
// the URL path against it. Hosts whose robots.txt cannot be fetched are
// treated as permissive. A Crawl-delay directive for our agent adjusts the
// host's throttle.
func (g *PolicyGate) robotsAllowed(ctx context.Context, u *URL) bool {
	host := u.Host
	var data *robotstxt.RobotsData
	if cached, ok := g.robots.Get(host); ok {
		data = cached.(*robotstxt.RobotsData)
	} else {
		data = g.fetchRobots(ctx, u)
		g.robots.Add(host, data)
	}
	if data == nil {
		return true
	}

	group := data.FindGroup(Config.Fetcher.UserAgent)
	if group.CrawlDelay > 0 && g.throttle != nil {
		g.throttle.SetDelay(u.Hostname(), group.CrawlDelay)
	}
	return group.Test(u.RequestURI())
}

func (g *PolicyGate) fetchRobots(ctx context.Context, u *URL) *robotstxt.RobotsData {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, "GET", robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", Config.Fetcher.UserAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		log.Debugf("Failed to fetch %v, allowing all: %v", robotsURL, err)
		return nil
	}
	defer resp.Body.Close()
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		log.Debugf("Failed to parse %v, allowing all: %v", robotsURL, err)
		return nil
	}
	return data
}

// tosBlocks probes the host's terms-of-service pages, at most once per host
// per process. A page that loads with status 200 and mentions a configured
// keyword marks the whole domain blocked, persistently.
func (g *PolicyGate) tosBlocks(ctx context.Context, u *URL) bool {
	host := u.Hostname()

	g.mu.Lock()
	if g.tosChecked[host] {
		blocked := g.tosBlocked[host]
		g.mu.Unlock()
		return blocked
	}
	g.tosChecked[host] = true
	g.mu.Unlock()

	blocked := g.probeTOS(ctx, u)
	if blocked {
		domain := u.ToplevelDomainPlusOne()
		log.Warnf("Domain %v blocks crawlers in its terms of service, blocking", domain)
		if g.OnBlockedDomain != nil {
			if err := g.OnBlockedDomain(ctx, domain); err != nil {
				log.Errorf("Failed to persist blocked domain %v: %v", domain, err)
			}
		}
	}

	g.mu.Lock()
	g.tosBlocked[host] = blocked
	g.mu.Unlock()
	return blocked
}

func (g *PolicyGate) probeTOS(ctx context.Context, u *URL) bool {
	for _, path := range Config.Policy.TOSPaths {
		tosURL := u.Scheme + "://" + u.Host + path
		req, err := http.NewRequestWithContext(ctx, "GET", tosURL, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", Config.Fetcher.UserAgent)
		resp, err := g.client.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}
		body := make([]byte, 0, 64*1024)
		buf := make([]byte, 32*1024)
		for len(body) < 512*1024 {
			n, rerr := resp.Body.Read(buf)
			body = append(body, buf[:n]...)
			if rerr != nil {
				break
			}
		}
		resp.Body.Close()
		text := strings.ToLower(string(body))
		for _, kw := range Config.Policy.TOSKeywords {
			if strings.Contains(text, kw) {
				log.Infof("Terms page %v matched keyword %q", tosURL, kw)
				return true
			}
		}
	}
	return false
}
