package crawler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/publicsuffix"
)

// URL is the crawler's abstraction around URLs. It embeds url.URL and adds
// the handful of operations the crawler needs everywhere: a canonical
// normalized form, the registered domain a URL belongs to, and the
// trailing-slash-insensitive path key used when scanning for near-duplicate
// pages.
type URL struct {
	*url.URL
}

// CreateURL creates a URL object from its component parts.
func CreateURL(scheme, host, pathstr, query string) (*URL, error) {
	ref := fmt.Sprintf("%s://%s%s", scheme, host, pathstr)
	if query != "" {
		ref = ref + "?" + query
	}
	return ParseURL(ref)
}

// ParseURL is the routine that should be used to parse any URL entering the
// system. It normalizes the URL per RFC 3986 safe rules and strips the
// fragment, so that equality on the String() form means equality for crawl
// purposes.
func ParseURL(ref string) (*URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	purell.NormalizeURL(u, purell.FlagsSafe|purell.FlagRemoveFragment)
	return &URL{URL: u}, nil
}

// MustParse is a helper for calling ParseURL when we know the string is a
// safe URL. It will panic if it fails.
func MustParse(ref string) *URL {
	u, err := ParseURL(ref)
	if err != nil {
		panic("Failed to parse URL: " + ref)
	}
	return u
}

// ToplevelDomainPlusOne returns the registered domain the URL belongs to,
// e.g. "sub.example.com" belongs to "example.com". Returns the bare host
// when the public suffix list has no answer (IP addresses, localhost).
func (u *URL) ToplevelDomainPlusOne() string {
	host := u.Hostname()
	dom, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return dom
}

// PathKey returns the URL path with any trailing slash removed. Pages whose
// URLs differ only by a trailing slash share a PathKey and compete in
// near-duplicate detection.
func (u *URL) PathKey() string {
	p := strings.TrimRight(u.Path, "/")
	return p
}

// Equal returns true if u and other refer to the same normalized URL.
func (u *URL) Equal(other *URL) bool {
	return u.String() == other.String()
}

// ResolveReference resolves a (possibly relative) reference against u and
// returns the result as a crawler URL, normalized like any other parsed URL.
func (u *URL) ResolveReference(ref string) (*URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return ParseURL(u.URL.ResolveReference(r).String())
}
