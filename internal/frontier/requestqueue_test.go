package frontier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
	memstore "github.com/crawlkit/crawlkit/internal/storage/memory"
)

func newQueueOverStore(t *testing.T, store *memstore.RequestStore) *RequestQueue {
	t.Helper()
	queue, err := NewRequestQueue(RequestQueueOptions{
		Name:                    "frontier-test",
		Client:                  store,
		Logger:                  zap.NewNop(),
		StorageConsistencyDelay: 5 * time.Millisecond,
		ProcessedRequestsDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return queue
}

func newMemoryQueue(t *testing.T) *RequestQueue {
	t.Helper()
	return newQueueOverStore(t, memstore.NewRequestStore(memstore.RequestStoreOptions{}))
}

func mustRequest(t *testing.T, url string) *crawler.Request {
	t.Helper()
	req, err := crawler.NewRequest(crawler.RequestOptions{URL: url})
	require.NoError(t, err)
	return req
}

func TestAddRequestDeduplicatesByUniqueKey(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	first, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/page"), AddOptions{})
	require.NoError(t, err)
	require.False(t, first.WasAlreadyPresent)
	require.NotEmpty(t, first.RequestID)

	second, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/page"), AddOptions{})
	require.NoError(t, err)
	require.True(t, second.WasAlreadyPresent)
	require.False(t, second.WasAlreadyHandled)
	require.Equal(t, first.RequestID, second.RequestID)
}

func TestAddRequestReportsHandledDuplicates(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/done"), AddOptions{})
	require.NoError(t, err)

	req, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	_, err = queue.MarkRequestHandled(ctx, req)
	require.NoError(t, err)

	info, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/done"), AddOptions{})
	require.NoError(t, err)
	require.True(t, info.WasAlreadyPresent)
	require.True(t, info.WasAlreadyHandled)
}

func TestAddRequestsPreservesFIFOOrder(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	reqs := make([]*crawler.Request, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, mustRequest(t, u))
	}

	res, err := queue.AddRequests(ctx, reqs, AddOptions{})
	require.NoError(t, err)
	require.Len(t, res.Processed, len(urls))
	require.Empty(t, res.Unprocessed)

	for _, want := range urls {
		got, err := queue.FetchNextRequest(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got.URL)
		_, err = queue.MarkRequestHandled(ctx, got)
		require.NoError(t, err)
	}
}

func TestAddRequestsCollapsesDuplicatesWithinBatch(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	res, err := queue.AddRequests(ctx, []*crawler.Request{
		mustRequest(t, "https://example.com/same"),
		mustRequest(t, "https://example.com/same"),
		mustRequest(t, "https://example.com/other"),
	}, AddOptions{})
	require.NoError(t, err)
	require.Len(t, res.Processed, 2)

	count, err := queue.HandledCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAddRequestsSplitsLargeBatches(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	total := batchAddChunkSize*2 + 7
	reqs := make([]*crawler.Request, 0, total)
	for i := 0; i < total; i++ {
		reqs = append(reqs, mustRequest(t, fmt.Sprintf("https://example.com/page/%d", i)))
	}

	res, err := queue.AddRequests(ctx, reqs, AddOptions{})
	require.NoError(t, err)
	require.Len(t, res.Processed, total)
	for _, info := range res.Processed {
		require.False(t, info.WasAlreadyPresent)
	}
}

func TestForefrontRequestIsFetchedFirst(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/first"), AddOptions{})
	require.NoError(t, err)
	_, err = queue.AddRequest(ctx, mustRequest(t, "https://example.com/second"), AddOptions{})
	require.NoError(t, err)
	_, err = queue.AddRequest(ctx, mustRequest(t, "https://example.com/urgent"), AddOptions{Forefront: true})
	require.NoError(t, err)

	got, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "https://example.com/urgent", got.URL)
}

func TestFetchNextRequestTracksInProgress(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/only"), AddOptions{})
	require.NoError(t, err)

	req, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, crawler.RequestStateInProgress, req.Meta.State)
	require.Equal(t, 1, queue.InProgressCount())

	// The only request is checked out, so nothing else is ready.
	again, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.Nil(t, again)

	finished, err := queue.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	_, err = queue.MarkRequestHandled(ctx, req)
	require.NoError(t, err)
	require.Zero(t, queue.InProgressCount())

	finished, err = queue.IsFinished(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestFetchNextRequestRecoversFromStoreLag(t *testing.T) {
	store := memstore.NewRequestStore(memstore.RequestStoreOptions{
		GetLag: 20 * time.Millisecond,
	})
	queue := newQueueOverStore(t, store)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/lagging"), AddOptions{})
	require.NoError(t, err)

	// The head listing already knows the id but the main table does not,
	// so the fetch comes back empty and the id is parked in progress.
	req, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, 1, queue.InProgressCount())

	finished, err := queue.IsFinished(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	// Once the write propagates and the consistency delay releases the id,
	// the request becomes fetchable.
	require.Eventually(t, func() bool {
		req, err = queue.FetchNextRequest(ctx)
		require.NoError(t, err)
		return req != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "https://example.com/lagging", req.URL)
}

func TestIsFinishedWithSecondClientHandlingRequests(t *testing.T) {
	store := memstore.NewRequestStore(memstore.RequestStoreOptions{
		HandledLag: 20 * time.Millisecond,
	})
	store.SetHadMultipleClients(true)
	producer := newQueueOverStore(t, store)
	consumer := newQueueOverStore(t, store)
	ctx := context.Background()

	_, err := producer.AddRequest(ctx, mustRequest(t, "https://example.com/shared"), AddOptions{})
	require.NoError(t, err)

	req, err := consumer.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	_, err = consumer.MarkRequestHandled(ctx, req)
	require.NoError(t, err)

	// The producer drains its stale head entry and discovers the request
	// was handled elsewhere.
	drained, err := producer.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.Nil(t, drained)

	// It must not report finished until the store's propagation window has
	// provably closed.
	require.Eventually(t, func() bool {
		finished, err := producer.IsFinished(ctx)
		require.NoError(t, err)
		return finished
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReclaimRequestRedeliversWithMutations(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/flaky"), AddOptions{})
	require.NoError(t, err)

	req, err := queue.FetchNextRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)

	req.RetryCount++
	req.PushErrorMessage(fmt.Errorf("connection reset"))
	info, err := queue.ReclaimRequest(ctx, req, crawler.ReclaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, info)

	var redelivered *crawler.Request
	require.Eventually(t, func() bool {
		redelivered, err = queue.FetchNextRequest(ctx)
		require.NoError(t, err)
		return redelivered != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, redelivered.RetryCount)
	require.Len(t, redelivered.ErrorMessages, 1)
	require.Contains(t, redelivered.ErrorMessages[0], "connection reset")
}

func TestMarkRequestHandledRequiresInProgress(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	stray := mustRequest(t, "https://example.com/stray")
	stray.ID = crawler.UniqueKeyToRequestID(stray.UniqueKey)

	info, err := queue.MarkRequestHandled(ctx, stray)
	require.NoError(t, err)
	require.Nil(t, info)

	info, err = queue.ReclaimRequest(ctx, stray, crawler.ReclaimOptions{})
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestDropDiscardsQueue(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, mustRequest(t, "https://example.com/doomed"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, queue.Drop(ctx))
	require.Zero(t, queue.InProgressCount())

	_, err = queue.AddRequest(ctx, mustRequest(t, "https://example.com/late"), AddOptions{})
	require.ErrorIs(t, err, storage.ErrQueueNotFound)
}

func TestValidateNewRequest(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	_, err := queue.AddRequest(ctx, nil, AddOptions{})
	require.Error(t, err)

	_, err = queue.AddRequest(ctx, &crawler.Request{UniqueKey: "key"}, AddOptions{})
	require.Error(t, err)

	_, err = queue.AddRequest(ctx, &crawler.Request{URL: "https://example.com"}, AddOptions{})
	require.Error(t, err)

	preset := mustRequest(t, "https://example.com/preset")
	preset.ID = "already-set"
	_, err = queue.AddRequest(ctx, preset, AddOptions{})
	require.Error(t, err)
}

func TestNewRequestQueueRequiresClient(t *testing.T) {
	_, err := NewRequestQueue(RequestQueueOptions{Name: "broken"})
	require.Error(t, err)
}

func TestHandledCountReflectsStore(t *testing.T) {
	queue := newMemoryQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := queue.AddRequest(ctx, mustRequest(t, fmt.Sprintf("https://example.com/n/%d", i)), AddOptions{})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		req, err := queue.FetchNextRequest(ctx)
		require.NoError(t, err)
		require.NotNil(t, req)
		_, err = queue.MarkRequestHandled(ctx, req)
		require.NoError(t, err)
	}

	count, err := queue.HandledCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	empty, err := queue.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)
}
