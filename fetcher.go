package crawler

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// FetchResults contains all the context of a fetch: the requested URL, the
// URL the server left us at after redirects, the response metadata, and the
// (size-capped) body.
type FetchResults struct {
	// URL is the URL originally requested.
	URL *URL

	// FinalURL is the URL after following any redirects. Equal to URL when
	// no redirect happened.
	FinalURL *URL

	// StatusCode is the HTTP status of the final response.
	StatusCode int

	// Header holds the final response headers. Link extraction reads the
	// Location header from here for non-HTML responses.
	Header http.Header

	// Body is the response body, read up to fetcher.max_content_size_bytes.
	Body []byte

	// ContentType is the media type portion of the Content-Type header,
	// lowercased, without parameters.
	ContentType string

	// FetchTime is when the request was issued.
	FetchTime time.Time

	// InsecureTLS is true when the page could only be fetched by skipping
	// certificate verification.
	InsecureTLS bool
}

// IsHTML returns true if the response declared an HTML content type, or
// declared no content type at all (servers that omit it usually serve HTML).
func (fr *FetchResults) IsHTML() bool {
	if fr.ContentType == "" {
		return true
	}
	return strings.Contains(fr.ContentType, "text/html") ||
		strings.Contains(fr.ContentType, "application/xhtml")
}

// Fetcher performs HTTP GETs with retry, backoff, and a one-shot fallback to
// an insecure TLS client when certificate verification fails.
type Fetcher struct {
	client    *retryablehttp.Client
	insecure  *retryablehttp.Client
	userAgent string
	maxBody   int64
}

// NewFetcher builds a Fetcher from the current Config.
func NewFetcher() *Fetcher {
	timeout := durationOrDefault(Config.Fetcher.HTTPTimeout, 10*time.Second)
	waitMin := durationOrDefault(Config.Fetcher.RetryWaitMin, time.Second)

	newClient := func(skipVerify bool) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = Config.Fetcher.MaxRetries
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMin * 8
		c.Logger = nil
		c.HTTPClient.Timeout = timeout
		if skipVerify {
			c.HTTPClient.Transport = &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		return c
	}

	return &Fetcher{
		client:    newClient(false),
		insecure:  newClient(true),
		userAgent: Config.Fetcher.UserAgent,
		maxBody:   Config.Fetcher.MaxContentSizeBytes,
	}
}

// Fetch GETs the given URL. Transport failures after retries come back as
// Transient errors; any HTTP response, including 4xx and 5xx after the retry
// budget, comes back as a FetchResults with a nil error.
func (f *Fetcher) Fetch(ctx context.Context, u *URL) (*FetchResults, error) {
	fr := &FetchResults{URL: u, FetchTime: time.Now()}

	resp, err := f.get(ctx, f.client, u)
	if err != nil && isCertificateError(err) {
		log.Infof("TLS verification failed for %v, retrying without verification: %v", u, err)
		fr.InsecureTLS = true
		resp, err = f.get(ctx, f.insecure, u)
	}
	if err != nil {
		return nil, Kindedf(Transient, "failed to fetch %v: %v", u, err)
	}
	defer resp.Body.Close()

	fr.StatusCode = resp.StatusCode
	fr.Header = resp.Header
	fr.ContentType = mediaType(resp.Header.Get("Content-Type"))
	fr.FinalURL = fr.URL
	if resp.Request != nil && resp.Request.URL != nil {
		if final, perr := ParseURL(resp.Request.URL.String()); perr == nil {
			fr.FinalURL = final
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, Kindedf(Transient, "failed reading body of %v: %v", u, err)
	}
	fr.Body = body

	return fr, nil
}

func (f *Fetcher) get(ctx context.Context, client *retryablehttp.Client, u *URL) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return client.Do(req)
}

func isCertificateError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	// url.Error wrapping from net/http can obscure the typed error
	return strings.Contains(err.Error(), "certificate")
}

func mediaType(contentType string) string {
	mt := contentType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
