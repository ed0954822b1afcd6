package crawler

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDatastore mocks the Datastore interface.
type MockDatastore struct {
	mock.Mock
}

func (m *MockDatastore) VisitedURLs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDatastore) PendingCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockDatastore) ClaimPendingBatch(ctx context.Context, n int) ([]PendingURL, error) {
	args := m.Called(ctx, n)
	return args.Get(0).([]PendingURL), args.Error(1)
}

func (m *MockDatastore) IsBlacklistedHost(ctx context.Context, host string) (bool, error) {
	args := m.Called(ctx, host)
	return args.Bool(0), args.Error(1)
}

func (m *MockDatastore) RecordBlockedDomain(ctx context.Context, domain string) error {
	args := m.Called(ctx, domain)
	return args.Error(0)
}

// MockWriter mocks the Writer interface.
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) RecordVisited(url string) {
	m.Called(url)
}

func (m *MockWriter) EnqueuePending(url string, depth int) {
	m.Called(url, depth)
}

func (m *MockWriter) SavePage(page *Page) {
	m.Called(page)
}

func (m *MockWriter) RecordLanguage(url, language string) {
	m.Called(url, language)
}

func (m *MockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}
