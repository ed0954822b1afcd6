package crawler

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	log "github.com/sirupsen/logrus"
)

// SummaryLength is how many characters of visible text become the page
// summary.
const SummaryLength = 200

// NoContentSummary is stored for pages that render no visible text.
const NoContentSummary = "No content"

// Page is everything extracted from a fetched document, ready for
// persistence.
type Page struct {
	URL         *URL
	Title       string
	Summary     string
	Tags        []string
	Images      []string
	Language    string
	ContentHash uint64

	// Links holds every accepted outbound link, deduplicated, in document
	// order.
	Links []*URL
}

// Domain returns the registered domain of the page URL.
func (p *Page) Domain() string {
	return p.URL.ToplevelDomainPlusOne()
}

// IsXML sniffs the first kilobyte of a body for XML markers. XML documents
// (feeds, sitemaps) contribute links but are never stored as pages.
func IsXML(body []byte) bool {
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	probe := strings.ToLower(strings.TrimSpace(string(head)))
	if strings.HasPrefix(probe, "<?xml") ||
		strings.HasPrefix(probe, "<rss") ||
		strings.HasPrefix(probe, "<sitemap") {
		return true
	}
	if strings.HasPrefix(probe, "<!doctype") {
		if end := strings.Index(probe, ">"); end > 0 && strings.Contains(probe[:end], "xml") {
			return true
		}
	}
	return false
}

// ExtractPage parses an HTML fetch result into a Page. The base for link and
// image resolution is the final URL after redirects. Parse failures degrade:
// the page comes back with defaults rather than an error, and the problem is
// logged at debug.
func ExtractPage(fr *FetchResults) *Page {
	base := fr.FinalURL
	if base == nil {
		base = fr.URL
	}
	page := &Page{
		URL:      fr.URL,
		Title:    base.Hostname(),
		Summary:  NoContentSummary,
		Language: "unknown",
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fr.Body))
	if err != nil {
		log.Debugf("Failed to parse HTML for %v: %v", fr.URL, err)
		return page
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		page.Title = title
	}

	doc.Find("script, style, noscript").Remove()
	text := collapseWhitespace(doc.Find("body").Text())
	if text != "" {
		page.Summary = truncateSummary(text)
	}

	maxImages := Config.Crawler.MaxImagesPerPage
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, ok := s.Attr("src")
		if !ok || strings.TrimSpace(src) == "" {
			return true
		}
		img, rerr := base.ResolveReference(strings.TrimSpace(src))
		if rerr != nil {
			return true
		}
		page.Images = append(page.Images, img.String())
		return len(page.Images) < maxImages
	})

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link := acceptLink(base, href)
		if link == nil || seen[link.String()] {
			return
		}
		seen[link.String()] = true
		page.Links = append(page.Links, link)
	})

	page.Tags = PageTags(page.Title, text, page.URL)
	page.Language = DetectLanguage(text)
	page.ContentHash = ContentHash(page.Summary)

	return page
}

// ExtractLocationLink pulls a link out of the Location header of a non-HTML
// response. Some servers respond to HTML requests with a redirect to the
// real document and nothing else worth keeping.
func ExtractLocationLink(fr *FetchResults) *URL {
	loc := fr.Header.Get("Location")
	if loc == "" {
		return nil
	}
	base := fr.FinalURL
	if base == nil {
		base = fr.URL
	}
	return acceptLink(base, loc)
}

// ExtractXMLLinks scans an XML body for http(s) URLs. Feeds and sitemaps
// carry their links in <loc> and <link> elements; a plain text scan over
// element content catches both without a schema-aware parser.
func ExtractXMLLinks(fr *FetchResults) []*URL {
	base := fr.FinalURL
	if base == nil {
		base = fr.URL
	}
	var links []*URL
	seen := make(map[string]bool)
	body := string(fr.Body)
	for _, marker := range []string{"http://", "https://"} {
		rest := body
		for {
			i := strings.Index(rest, marker)
			if i < 0 {
				break
			}
			end := strings.IndexAny(rest[i:], "<\"' \n\t\r")
			var raw string
			if end < 0 {
				raw = rest[i:]
				rest = ""
			} else {
				raw = rest[i : i+end]
				rest = rest[i+end:]
			}
			if link := acceptLink(base, raw); link != nil && !seen[link.String()] {
				seen[link.String()] = true
				links = append(links, link)
			}
			if rest == "" {
				break
			}
		}
	}
	return links
}

// acceptLink resolves href against base and applies the structural link
// rules: accepted scheme, bounded length. Returns nil for rejects.
func acceptLink(base *URL, href string) *URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return nil
	}
	link, err := base.ResolveReference(href)
	if err != nil {
		return nil
	}
	if !acceptedScheme(link.Scheme) {
		return nil
	}
	if len(link.String()) > Config.Crawler.MaxURLLength {
		return nil
	}
	return link
}

func acceptedScheme(scheme string) bool {
	for _, p := range Config.Crawler.AcceptProtocols {
		if scheme == p {
			return true
		}
	}
	return false
}

// DetectLanguage identifies the language of extracted text, "unknown" when
// there is not enough signal.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return "unknown"
	}
	info := whatlanggo.Detect(text)
	code := whatlanggo.LangToString(info.Lang)
	if code == "" {
		return "unknown"
	}
	return code
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateSummary cuts text to SummaryLength characters. Truncation counts
// runes, not bytes, so multi-byte pages keep valid UTF-8.
func truncateSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= SummaryLength {
		return text
	}
	return string(runes[:SummaryLength])
}
