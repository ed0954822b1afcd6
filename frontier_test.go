package crawler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFrontierPreloadsVisited(t *testing.T) {
	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{"http://example.com/a"}, nil)

	f, err := NewFrontier(context.Background(), store, &MockWriter{})
	require.NoError(t, err)

	assert.True(t, f.Seen("http://example.com/a"))
	assert.False(t, f.Seen("http://example.com/b"))
}

func TestFrontierPreloadFailure(t *testing.T) {
	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, fmt.Errorf("db down"))

	_, err := NewFrontier(context.Background(), store, &MockWriter{})
	require.Error(t, err)
	assert.True(t, IsKind(err, Persistence))
}

func TestFrontierSeenOrMark(t *testing.T) {
	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	f, err := NewFrontier(context.Background(), store, &MockWriter{})
	require.NoError(t, err)

	assert.False(t, f.SeenOrMark("http://example.com/x"))
	assert.True(t, f.SeenOrMark("http://example.com/x"))
}

func TestFrontierEnqueueSkipsSeen(t *testing.T) {
	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{"http://example.com/seen"}, nil)
	writer := &MockWriter{}
	writer.On("EnqueuePending", "http://example.com/new", 2).Once()

	f, err := NewFrontier(context.Background(), store, writer)
	require.NoError(t, err)

	f.Enqueue(MustParse("http://example.com/seen"), 2)
	f.Enqueue(MustParse("http://example.com/new"), 2)
	writer.AssertExpectations(t)
}

func TestFrontierNextBatch(t *testing.T) {
	store := &MockDatastore{}
	store.On("VisitedURLs", mock.Anything).Return([]string{}, nil)
	batch := []PendingURL{{URL: "http://example.com/a", Depth: 1}}
	store.On("ClaimPendingBatch", mock.Anything, 2).Return(batch, nil)

	f, err := NewFrontier(context.Background(), store, &MockWriter{})
	require.NoError(t, err)

	got, err := f.NextBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}
