package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nerdcrawler/crawler"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) QueueCounts(ctx context.Context) (int, int, int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}

func (m *mockStore) CurrentHost(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockStore) ClaimQueueBatch(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockStore) EnqueueQueue(ctx context.Context, urls []string) (int, error) {
	args := m.Called(ctx, urls)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) MarkCompleted(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *mockStore) ResetQueue(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) SkipDomain(ctx context.Context, host string) (int64, error) {
	args := m.Called(ctx, host)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) SweepDuplicatePending(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) BlacklistEntries(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockStore) IsBlacklistedHost(ctx context.Context, host string) (bool, error) {
	args := m.Called(ctx, host)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) BlacklistDomain(ctx context.Context, pattern string) (int64, int64, error) {
	args := m.Called(ctx, pattern)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) UnblacklistDomain(ctx context.Context, pattern string) (bool, error) {
	args := m.Called(ctx, pattern)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ClearBlacklistedData(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *mockStore) UpsertPage(ctx context.Context, page *crawler.Page) error {
	args := m.Called(ctx, page)
	return args.Error(0)
}

func (m *mockStore) RecordLanguage(ctx context.Context, url, language string) error {
	args := m.Called(ctx, url, language)
	return args.Error(0)
}

func newTestCoordinator(t *testing.T, store Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(store).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestAuthRequired(t *testing.T) {
	crawler.SetDefaultConfig()
	crawler.Config.Coordinator.AuthToken = "sekrit"
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("QueueCounts", mock.Anything).Return(1, 2, 3, nil)
	store.On("CurrentHost", mock.Anything).Return("example.com", nil)
	srv := newTestCoordinator(t, store)

	resp := doJSON(t, "GET", srv.URL+"/api/crawler/status", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, "GET", srv.URL+"/api/crawler/status", "wrong", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, "GET", srv.URL+"/api/crawler/status", "sekrit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	decode(t, resp, &status)
	assert.Equal(t, StatusResponse{Pending: 1, Processing: 2, Completed: 3, CurrentHost: "example.com"}, status)
}

func TestClaimURLs(t *testing.T) {
	crawler.SetDefaultConfig()
	crawler.Config.Coordinator.BatchLimit = 25
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("ClaimQueueBatch", mock.Anything, 25).
		Return([]string{"http://example.com/a"}, nil)
	srv := newTestCoordinator(t, store)

	resp := doJSON(t, "GET", srv.URL+"/api/crawler/urls", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var batch URLBatchResponse
	decode(t, resp, &batch)
	assert.Equal(t, []string{"http://example.com/a"}, batch.URLs)
}

func TestResetQueue(t *testing.T) {
	crawler.SetDefaultConfig()
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("ResetQueue", mock.Anything).Return(int64(4), int64(9), nil)
	srv := newTestCoordinator(t, store)

	resp := doJSON(t, "POST", srv.URL+"/api/crawler/urls", "", URLControlRequest{Reset: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result ResetResponse
	decode(t, resp, &result)
	assert.Equal(t, ResetResponse{Reset: 4, Purged: 9}, result)

	resp = doJSON(t, "POST", srv.URL+"/api/crawler/urls", "", URLControlRequest{Reset: false})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func submitFixture() SubmitRequest {
	tags := make([]string, 0, 20)
	for i := 0; i < 19; i++ {
		tags = append(tags, fmt.Sprintf("web%d", i))
	}
	tags = append(tags, "kayaking")
	return SubmitRequest{
		URL:         "http://example.com/guides",
		Title:       "Guides",
		Summary:     "Kayaking guides.",
		ContentHash: 12345,
		Tags:        tags,
		Images:      []string{"http://example.com/img.png"},
		Language:    "eng",
		NewURLs:     []string{"http://example.com/next"},
	}
}

func TestSubmitOpenWithoutAuth(t *testing.T) {
	crawler.SetDefaultConfig()
	crawler.Config.Coordinator.AuthToken = "sekrit"
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("IsBlacklistedHost", mock.Anything, "example.com").Return(false, nil)
	store.On("UpsertPage", mock.Anything, mock.Anything).Return(nil)
	store.On("RecordLanguage", mock.Anything, "http://example.com/guides", "eng").Return(nil)
	store.On("MarkCompleted", mock.Anything, "http://example.com/guides").Return(nil)
	store.On("BlacklistEntries", mock.Anything).Return([]string{}, nil)
	store.On("EnqueueQueue", mock.Anything, []string{"http://example.com/next"}).Return(1, nil)
	srv := newTestCoordinator(t, store)

	// no Authorization header at all
	resp := doJSON(t, "POST", srv.URL+"/api/crawler/submit", "", submitFixture())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result SubmitResponse
	decode(t, resp, &result)
	assert.True(t, result.Saved)
	assert.Equal(t, 1, result.Enqueued)
	store.AssertExpectations(t)
}

func TestSubmitRequiresOptionalToken(t *testing.T) {
	crawler.SetDefaultConfig()
	crawler.Config.Coordinator.SubmitToken = "workers-only"
	defer crawler.SetDefaultConfig()

	srv := newTestCoordinator(t, &mockStore{})

	resp := doJSON(t, "POST", srv.URL+"/api/crawler/submit", "", submitFixture())
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	crawler.SetDefaultConfig()
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("IsBlacklistedHost", mock.Anything, "banned.com").Return(true, nil)
	srv := newTestCoordinator(t, store)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"invalid url", func(r *SubmitRequest) { r.URL = "" }},
		{"too few tags", func(r *SubmitRequest) { r.Tags = []string{"kayaking"} }},
		{"generic tags only", func(r *SubmitRequest) {
			for i := range r.Tags {
				r.Tags[i] = fmt.Sprintf("web%d", i)
			}
		}},
		{"blacklisted host", func(r *SubmitRequest) { r.URL = "http://banned.com/x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := submitFixture()
			tt.mutate(&req)
			resp := doJSON(t, "POST", srv.URL+"/api/crawler/submit", "", req)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmitFiltersNewURLs(t *testing.T) {
	crawler.SetDefaultConfig()
	crawler.Config.Coordinator.MaxSubmitURLs = 2
	crawler.Config.Crawler.MaxURLLength = 60
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("IsBlacklistedHost", mock.Anything, "example.com").Return(false, nil)
	store.On("UpsertPage", mock.Anything, mock.Anything).Return(nil)
	store.On("RecordLanguage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("MarkCompleted", mock.Anything, mock.Anything).Return(nil)
	store.On("BlacklistEntries", mock.Anything).Return([]string{"banned.com"}, nil)
	store.On("EnqueueQueue", mock.Anything,
		[]string{"http://example.com/1", "http://example.com/3"}).Return(2, nil)
	srv := newTestCoordinator(t, store)

	req := submitFixture()
	req.NewURLs = []string{
		"http://example.com/1",
		"http://banned.com/2",
		"http://example.com/3",
		"http://example.com/never-reached-due-to-cap",
	}
	resp := doJSON(t, "POST", srv.URL+"/api/crawler/submit", "", req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result SubmitResponse
	decode(t, resp, &result)
	assert.Equal(t, 2, result.Enqueued)
	store.AssertExpectations(t)
}

func TestBlacklistEndpoints(t *testing.T) {
	crawler.SetDefaultConfig()
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("BlacklistEntries", mock.Anything).Return([]string{"bad.com"}, nil)
	store.On("IsBlacklistedHost", mock.Anything, "bad.com").Return(true, nil)
	store.On("BlacklistDomain", mock.Anything, "*.spam.net").Return(int64(3), int64(2), nil)
	store.On("UnblacklistDomain", mock.Anything, "gone.com").Return(false, nil)
	store.On("ClearBlacklistedData", mock.Anything).Return(int64(5), int64(4), nil)
	srv := newTestCoordinator(t, store)

	resp := doJSON(t, "GET", srv.URL+"/api/crawler/blacklist", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list BlacklistResponse
	decode(t, resp, &list)
	assert.Equal(t, []string{"bad.com"}, list.Domains)

	resp = doJSON(t, "GET", srv.URL+"/api/crawler/blacklist_domain?domain=bad.com", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var check BlacklistCheckResponse
	decode(t, resp, &check)
	assert.True(t, check.Blacklisted)

	resp = doJSON(t, "POST", srv.URL+"/api/crawler/blacklist_domain", "",
		DomainRequest{Domain: "*.spam.net"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var removal RemovalResponse
	decode(t, resp, &removal)
	assert.Equal(t, RemovalResponse{QueueRemoved: 3, PagesRemoved: 2}, removal)

	resp = doJSON(t, "POST", srv.URL+"/api/crawler/unblacklist_domain", "",
		DomainRequest{Domain: "gone.com"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, "POST", srv.URL+"/api/crawler/clear_blacklisted_urls", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &removal)
	assert.Equal(t, RemovalResponse{QueueRemoved: 5, PagesRemoved: 4}, removal)
}

func TestSkipDomain(t *testing.T) {
	crawler.SetDefaultConfig()
	defer crawler.SetDefaultConfig()

	store := &mockStore{}
	store.On("SkipDomain", mock.Anything, "slow.com").Return(int64(12), nil)
	srv := newTestCoordinator(t, store)

	resp := doJSON(t, "POST", srv.URL+"/api/crawler/skip_domain", "",
		DomainRequest{Domain: "slow.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result SkipResponse
	decode(t, resp, &result)
	assert.Equal(t, int64(12), result.Skipped)
}

func TestUpdateConfig(t *testing.T) {
	crawler.SetDefaultConfig()
	defer crawler.SetDefaultConfig()

	srv := newTestCoordinator(t, &mockStore{})

	enabled := false
	interval := "30m"
	limit := 10
	resp := doJSON(t, "POST", srv.URL+"/api/crawler/config", "", ConfigRequest{
		DedupeEnabled:  &enabled,
		DedupeInterval: &interval,
		BatchLimit:     &limit,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result ConfigResponse
	decode(t, resp, &result)
	assert.False(t, result.DedupeEnabled)
	assert.Equal(t, "30m0s", result.DedupeInterval)
	assert.Equal(t, 10, result.BatchLimit)

	bad := "soon"
	resp = doJSON(t, "POST", srv.URL+"/api/crawler/config", "", ConfigRequest{DedupeInterval: &bad})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
