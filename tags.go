package crawler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var tagToken = regexp.MustCompile(`\b[a-z0-9]{4,20}\b`)

// genericTagPrefix names the padding tags (web0, web1, ...) used to bring a
// sparse worker tag set up to the minimum size. A tag set made entirely of
// padding carries no signal and is rejected at submit.
const genericTagPrefix = "web"

var genericTag = regexp.MustCompile(`^web\d+$`)

// PageTags produces the embedded crawler's tag set for a page: tokens from
// the title, the visible text, and the URL itself, counted by frequency,
// stopwords removed, most frequent first, capped at crawler.max_tags. A page
// with no usable tokens gets an empty set; only the worker path pads.
func PageTags(title, text string, u *URL) []string {
	source := strings.ToLower(title + " " + text + " " + u.String())
	counts := make(map[string]int)
	var order []string
	stop := stopwordSet()
	for _, tok := range tagToken.FindAllString(source, -1) {
		if stop[tok] {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	// stable ordering: frequency desc, first appearance wins ties
	rank := make(map[string]int, len(order))
	for i, t := range order {
		rank[t] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return rank[order[i]] < rank[order[j]]
	})

	if len(order) > Config.Crawler.MaxTags {
		order = order[:Config.Crawler.MaxTags]
	}
	return order
}

// WorkerTags produces the remote worker's tag set for a URL: any seed tags
// configured for its domain, tokens from the URL path and query, and the
// domain key itself, padded up to min entries.
func WorkerTags(u *URL, domainTags map[string][]string, min int) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}

	domain := u.ToplevelDomainPlusOne()
	for _, t := range domainTags[domain] {
		add(t)
	}

	stop := stopwordSet()
	pathSource := strings.ToLower(u.Path + " " + u.RawQuery)
	for _, tok := range tagToken.FindAllString(pathSource, -1) {
		if !stop[tok] {
			add(tok)
		}
	}

	if key := domainKey(domain); key != "" && !stop[key] {
		add(key)
	}

	return padTags(tags, min)
}

// GenericOnly reports whether every tag in the set is padding. Submissions
// with such tag sets are rejected.
func GenericOnly(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if !genericTag.MatchString(t) {
			return false
		}
	}
	return true
}

func padTags(tags []string, min int) []string {
	for i := 0; len(tags) < min; i++ {
		tags = append(tags, fmt.Sprintf("%s%d", genericTagPrefix, i))
	}
	return tags
}

// domainKey strips the public suffix off a registered domain, leaving the
// name people would use as a tag ("example" from "example.com").
func domainKey(domain string) string {
	if i := strings.Index(domain, "."); i > 0 {
		return domain[:i]
	}
	return domain
}

func stopwordSet() map[string]bool {
	set := make(map[string]bool, len(Config.Crawler.TagStopwords))
	for _, w := range Config.Crawler.TagStopwords {
		set[w] = true
	}
	return set
}
