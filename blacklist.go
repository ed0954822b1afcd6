package crawler

import "strings"

// MatchesBlacklistEntry reports whether host is covered by a single
// blacklist entry. An entry is either an exact host or a wildcard pattern
// `*.suffix`, which covers the suffix itself and every subdomain of it.
func MatchesBlacklistEntry(host, entry string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	entry = strings.ToLower(strings.TrimSpace(entry))
	if host == "" || entry == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(entry, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == entry
}

// Blacklisted reports whether host matches any entry in the list.
func Blacklisted(host string, entries []string) bool {
	for _, e := range entries {
		if MatchesBlacklistEntry(host, e) {
			return true
		}
	}
	return false
}

// NormalizeBlacklistPattern canonicalizes a pattern before it is stored:
// lowercased, trimmed, scheme and path stripped if a full URL was pasted in.
func NormalizeBlacklistPattern(pattern string) string {
	p := strings.ToLower(strings.TrimSpace(pattern))
	p = strings.TrimPrefix(p, "http://")
	p = strings.TrimPrefix(p, "https://")
	if i := strings.IndexAny(p, "/?#"); i >= 0 {
		p = p[:i]
	}
	return p
}
