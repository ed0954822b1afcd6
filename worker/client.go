// Package worker implements the remote crawl worker: it claims URL batches
// from a coordinator, crawls them, and submits the results back.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nerdcrawler/crawler"
	"github.com/nerdcrawler/crawler/coordinator"
)

// Client talks to the coordinator API with retry and Bearer auth.
type Client struct {
	base        string
	token       string
	submitToken string
	http        *retryablehttp.Client
}

// NewClient builds a Client from the worker configuration.
func NewClient() *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = crawler.Config.Fetcher.MaxRetries
	c.Logger = nil
	c.HTTPClient.Timeout = 20 * time.Second
	if d, err := time.ParseDuration(crawler.Config.Worker.HTTPTimeout); err == nil {
		c.HTTPClient.Timeout = d
	}

	token := crawler.Config.Worker.AuthToken
	submitToken := crawler.Config.Coordinator.SubmitToken
	if submitToken == "" {
		submitToken = token
	}
	return &Client{
		base:        crawler.Config.Worker.APIBaseURL + "/api/crawler",
		token:       token,
		submitToken: submitToken,
		http:        c,
	}
}

// FetchBatch claims the next batch of URLs to crawl. An empty slice means
// the coordinator has no pending work.
func (c *Client) FetchBatch(ctx context.Context) ([]string, error) {
	var resp coordinator.URLBatchResponse
	if err := c.call(ctx, "GET", "/urls", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}

// RequestReset asks the coordinator to return processing rows to pending.
func (c *Client) RequestReset(ctx context.Context) error {
	return c.call(ctx, "POST", "/urls", c.token,
		coordinator.URLControlRequest{Reset: true}, nil)
}

// IsBlacklisted asks the coordinator whether a domain is blacklisted.
func (c *Client) IsBlacklisted(ctx context.Context, domain string) (bool, error) {
	var resp coordinator.BlacklistCheckResponse
	err := c.call(ctx, "GET", "/blacklist_domain?domain="+url.QueryEscape(domain), c.token, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Blacklisted, nil
}

// Submit posts one crawl result.
func (c *Client) Submit(ctx context.Context, req coordinator.SubmitRequest) error {
	return c.call(ctx, "POST", "/submit", c.submitToken, req, nil)
}

func (c *Client) call(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return crawler.Kindedf(crawler.Transient, "coordinator request %v %v failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr coordinator.ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("coordinator returned %v for %v %v: %v",
				resp.StatusCode, method, path, apiErr.Error)
		}
		return fmt.Errorf("coordinator returned %v for %v %v", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
