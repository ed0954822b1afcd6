package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCrawlManagerSeedIfEmpty(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	store := &MockDatastore{}
	writer := &MockWriter{}
	cm := &CrawlManager{Store: store, Writer: writer}
	seeds := []*URL{MustParse("http://example.com/"), MustParse("http://other.org/")}

	store.On("PendingCount", mock.Anything).Return(0, nil).Once()
	writer.On("EnqueuePending", "http://example.com/", 0).Once()
	writer.On("EnqueuePending", "http://other.org/", 0).Once()
	require.NoError(t, cm.SeedIfEmpty(context.Background(), seeds))
	writer.AssertExpectations(t)

	// a non-empty frontier is left alone
	store.On("PendingCount", mock.Anything).Return(7, nil).Once()
	require.NoError(t, cm.SeedIfEmpty(context.Background(), seeds))
	writer.AssertNumberOfCalls(t, "EnqueuePending", 2)
}

func TestCrawlManagerCrawlsAndStops(t *testing.T) {
	SetDefaultConfig()
	Config.Fetcher.Threads = 1
	Config.Fetcher.DefaultCrawlDelay = "1ms"
	Config.Fetcher.RetryWaitMin = "1ms"
	Config.Policy.RespectRobots = false
	Config.Policy.IgnoreTOS = true
	defer SetDefaultConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Start</title></head>
<body><p>Kayaking rivers in spring.</p><a href="/next">next</a></body></html>`)
	}))
	defer srv.Close()

	start := srv.URL + "/"

	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	store.On("IsBlacklistedHost", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{{URL: start, Depth: 0}}, nil).Once()
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{}, nil)

	writer := &MockWriter{}
	writer.On("RecordVisited", start).Once()
	writer.On("SavePage", mock.MatchedBy(func(p *Page) bool {
		return p.Title == "Start" && p.URL.String() == start
	})).Once()
	writer.On("RecordLanguage", start, mock.Anything).Once()
	writer.On("EnqueuePending", srv.URL+"/next", 1).Once()

	cm := &CrawlManager{Store: store, Writer: writer}
	require.NoError(t, cm.Start())

	writer.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestCrawlManagerPolicyDropSkipsFetch(t *testing.T) {
	SetDefaultConfig()
	Config.Fetcher.Threads = 1
	Config.Policy.RespectRobots = false
	Config.Policy.IgnoreTOS = true
	defer SetDefaultConfig()

	blocked := "http://blocked.example.com/"

	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	store.On("IsBlacklistedHost", mock.Anything, "blocked.example.com").Return(true, nil)
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{{URL: blocked, Depth: 0}}, nil).Once()
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{}, nil)

	writer := &MockWriter{}

	cm := &CrawlManager{Store: store, Writer: writer}
	require.NoError(t, cm.Start())

	// a policy-dropped URL is neither saved nor durably visited, so it can
	// re-enter the frontier if the policy is later relaxed
	writer.AssertNotCalled(t, "SavePage", mock.Anything)
	writer.AssertNotCalled(t, "RecordVisited", mock.Anything)
}

func TestCrawlManagerSkipsVisited(t *testing.T) {
	SetDefaultConfig()
	Config.Fetcher.Threads = 1
	Config.Policy.RespectRobots = false
	Config.Policy.IgnoreTOS = true
	defer SetDefaultConfig()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>seen before</body></html>")
	}))
	defer srv.Close()

	visited := srv.URL + "/already"

	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{visited}, nil)
	store.On("IsBlacklistedHost", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{{URL: visited, Depth: 0}}, nil).Once()
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{}, nil)

	writer := &MockWriter{}

	cm := &CrawlManager{Store: store, Writer: writer}
	require.NoError(t, cm.Start())

	// a visited URL that leaked back into pending is never fetched again
	assert.Equal(t, int32(0), hits.Load())
	writer.AssertNotCalled(t, "SavePage", mock.Anything)
}

func TestCrawlManagerFetchFailureLeavesUnvisited(t *testing.T) {
	SetDefaultConfig()
	Config.Fetcher.Threads = 1
	Config.Fetcher.MaxRetries = 0
	Config.Fetcher.RetryWaitMin = "1ms"
	Config.Fetcher.DefaultCrawlDelay = "1ms"
	Config.Policy.RespectRobots = false
	Config.Policy.IgnoreTOS = true
	defer SetDefaultConfig()

	unreachable := "http://localhost:1/down"

	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	store.On("IsBlacklistedHost", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{{URL: unreachable, Depth: 0}}, nil).Once()
	store.On("ClaimPendingBatch", mock.Anything, 1).
		Return([]PendingURL{}, nil)

	writer := &MockWriter{}

	cm := &CrawlManager{Store: store, Writer: writer}
	require.NoError(t, cm.Start())

	// the fetch never succeeded, so the URL may be rediscovered later
	writer.AssertNotCalled(t, "RecordVisited", mock.Anything)
}

func TestCrawlManagerStartTwice(t *testing.T) {
	SetDefaultConfig()
	defer SetDefaultConfig()

	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	store.On("ClaimPendingBatch", mock.Anything, mock.Anything).
		Return([]PendingURL{}, nil)

	cm := &CrawlManager{Store: store, Writer: &MockWriter{}}
	require.NoError(t, cm.Start())
	err := cm.Start()
	require.Error(t, err)
	assert.True(t, IsKind(err, Fatal))
}
