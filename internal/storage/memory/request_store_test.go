package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func storeRequest(t *testing.T, url string) *crawler.Request {
	t.Helper()
	req, err := crawler.NewRequest(crawler.RequestOptions{URL: url})
	require.NoError(t, err)
	return req
}

func TestAddRequestAssignsDeterministicID(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	req := storeRequest(t, "https://example.com/a")
	info, err := store.AddRequest(ctx, req, false)
	require.NoError(t, err)
	require.False(t, info.WasAlreadyPresent)
	require.Equal(t, crawler.UniqueKeyToRequestID(req.UniqueKey), info.RequestID)

	dup, err := store.AddRequest(ctx, storeRequest(t, "https://example.com/a"), false)
	require.NoError(t, err)
	require.True(t, dup.WasAlreadyPresent)
	require.Equal(t, info.RequestID, dup.RequestID)
}

func TestBatchAddRejectsInvalidInputs(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	res, err := store.BatchAddRequests(ctx, []*crawler.Request{
		storeRequest(t, "https://example.com/a"),
		nil,
		storeRequest(t, "https://example.com/b"),
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Processed, 2)
	require.Len(t, res.Unprocessed, 1)
}

func TestForefrontOrdersHead(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	_, err := store.AddRequest(ctx, storeRequest(t, "https://example.com/first"), false)
	require.NoError(t, err)
	urgent := storeRequest(t, "https://example.com/urgent")
	_, err = store.AddRequest(ctx, urgent, true)
	require.NoError(t, err)

	head, err := store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, head.Items, 2)
	require.Equal(t, urgent.UniqueKey, head.Items[0].UniqueKey)
}

func TestGetRequestHonorsPropagationLag(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := NewRequestStore(RequestStoreOptions{
		GetLag: 5 * time.Second,
		Clock:  clock,
	})
	ctx := context.Background()

	info, err := store.AddRequest(ctx, storeRequest(t, "https://example.com/lagging"), false)
	require.NoError(t, err)

	// The head listing sees the request immediately but the main table
	// lags behind.
	head, err := store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, head.Items, 1)

	got, err := store.GetRequest(ctx, info.RequestID)
	require.NoError(t, err)
	require.Nil(t, got)

	clock.advance(6 * time.Second)
	got, err = store.GetRequest(ctx, info.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "https://example.com/lagging", got.URL)
}

func TestHandledRequestsLingerInHead(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := NewRequestStore(RequestStoreOptions{
		HandledLag: 5 * time.Second,
		Clock:      clock,
	})
	ctx := context.Background()

	req := storeRequest(t, "https://example.com/a")
	info, err := store.AddRequest(ctx, req, false)
	require.NoError(t, err)

	req.ID = info.RequestID
	now := clock.Now()
	req.HandledAt = &now
	_, err = store.UpdateRequest(ctx, req, false)
	require.NoError(t, err)

	// During the propagation window the head listing still shows the row.
	head, err := store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, head.Items, 1)

	clock.advance(6 * time.Second)
	head, err = store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, head.Items)
}

func TestUpdateRequestTogglesHandledCount(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	req := storeRequest(t, "https://example.com/a")
	info, err := store.AddRequest(ctx, req, false)
	require.NoError(t, err)
	req.ID = info.RequestID

	now := time.Now()
	req.HandledAt = &now
	res, err := store.UpdateRequest(ctx, req, false)
	require.NoError(t, err)
	require.False(t, res.WasAlreadyHandled)

	meta, err := store.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, meta.HandledRequestCount)
	require.Zero(t, meta.PendingRequestCount)

	// Reclaiming clears the handled flag again.
	req.HandledAt = nil
	res, err = store.UpdateRequest(ctx, req, false)
	require.NoError(t, err)
	require.True(t, res.WasAlreadyHandled)

	meta, err = store.Metadata(ctx)
	require.NoError(t, err)
	require.Zero(t, meta.HandledRequestCount)
	require.Equal(t, 1, meta.PendingRequestCount)
}

func TestUpdateUnknownRequestFails(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	req := storeRequest(t, "https://example.com/ghost")
	req.ID = "nonexistent"
	_, err := store.UpdateRequest(context.Background(), req, false)
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
}

func TestHadMultipleClientsFlag(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	head, err := store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.False(t, head.HadMultipleClients)

	store.SetHadMultipleClients(true)
	head, err = store.ListHead(ctx, 10)
	require.NoError(t, err)
	require.True(t, head.HadMultipleClients)
}

func TestDropMakesStoreUnusable(t *testing.T) {
	store := NewRequestStore(RequestStoreOptions{})
	ctx := context.Background()

	_, err := store.AddRequest(ctx, storeRequest(t, "https://example.com/a"), false)
	require.NoError(t, err)
	require.NoError(t, store.Drop(ctx))

	_, err = store.AddRequest(ctx, storeRequest(t, "https://example.com/b"), false)
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
	_, err = store.ListHead(ctx, 10)
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
	_, err = store.Metadata(ctx)
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
	_, err = store.GetRequest(ctx, "any")
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
}
