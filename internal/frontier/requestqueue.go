package frontier

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/metrics"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// Head listing and consistency-recovery tuning. The head query starts small
// and grows until it either finds pending work or proves there is none.
const (
	queryHeadMinLength        = 100
	queryHeadBufferMultiplier = 3
	queryHeadMaxLimit         = 1000
	queryHeadGrowthFactor     = 1.5
	maxQueriesForConsistency  = 6
	batchAddChunkSize         = 25
)

// Defaults for the time windows that mask store propagation lag. Tests
// shrink these through RequestQueueOptions.
const (
	defaultStorageConsistencyDelay = 3 * time.Second
	defaultProcessedRequestsDelay  = 10 * time.Second
	defaultInternalIdleTimeout     = 5 * time.Minute
	defaultRecentlyHandledCap      = 1000
	defaultRequestCacheCap         = 1_000_000
)

// AddOptions modifies AddRequest/AddRequests behavior.
type AddOptions struct {
	// Forefront inserts at the front of the queue instead of the back.
	Forefront bool
}

// AddRequestsResult is the merged outcome of a batched add. Inputs the store
// rejected are surfaced in Unprocessed rather than returned as an error.
type AddRequestsResult struct {
	Processed   []crawler.QueueOperationInfo
	Unprocessed []storage.UnprocessedRequest
}

// RequestQueueOptions configures NewRequestQueue. Client is required; zero
// durations and capacities fall back to production defaults.
type RequestQueueOptions struct {
	Name   string
	Client storage.RequestQueueClient
	Logger *zap.Logger
	Clock  crawler.Clock

	// StorageConsistencyDelay is how long a reclaimed or phantom id stays
	// in progress while the store write propagates.
	StorageConsistencyDelay time.Duration

	// ProcessedRequestsDelay is how long handled writes may take to become
	// visible to head listings.
	ProcessedRequestsDelay time.Duration

	// InternalIdleTimeout is the inactivity span after which IsFinished
	// resets all local caches to recover a stuck queue.
	InternalIdleTimeout time.Duration

	RecentlyHandledCap int
	RequestCacheCap    int
}

// RequestQueue is the dynamic crawl frontier. It fronts a durable request
// store with local caches that minimize round-trips and with a recovery
// algorithm that tolerates the store's write-propagation lag. All methods
// are safe for concurrent use.
type RequestQueue struct {
	name   string
	client storage.RequestQueueClient
	log    *zap.Logger
	clock  crawler.Clock

	storageConsistencyDelay time.Duration
	processedRequestsDelay  time.Duration
	internalIdleTimeout     time.Duration

	mu              sync.Mutex
	head            *orderedSet
	inProgress      map[string]struct{}
	recentlyHandled *lruSet
	requestCache    *lruCache
	// Optimistic counters, trustworthy only while this process is the
	// store's sole client.
	assumedTotalCount   int
	assumedHandledCount int
	lastActivity        time.Time

	headQuery singleflight.Group
}

type headQueryResult struct {
	wasLimitReached    bool
	prevLimit          int
	queueModifiedAt    time.Time
	hadMultipleClients bool
	queryStartedAt     time.Time
}

// NewRequestQueue builds a RequestQueue over the given store client.
func NewRequestQueue(opts RequestQueueOptions) (*RequestQueue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("request queue client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	q := &RequestQueue{
		name:                    opts.Name,
		client:                  opts.Client,
		log:                     logger.With(zap.String("queue", opts.Name)),
		clock:                   clock,
		storageConsistencyDelay: opts.StorageConsistencyDelay,
		processedRequestsDelay:  opts.ProcessedRequestsDelay,
		internalIdleTimeout:     opts.InternalIdleTimeout,
		head:                    newOrderedSet(),
		inProgress:              make(map[string]struct{}),
	}
	if q.storageConsistencyDelay <= 0 {
		q.storageConsistencyDelay = defaultStorageConsistencyDelay
	}
	if q.processedRequestsDelay <= 0 {
		q.processedRequestsDelay = defaultProcessedRequestsDelay
	}
	if q.internalIdleTimeout <= 0 {
		q.internalIdleTimeout = defaultInternalIdleTimeout
	}
	recentCap := opts.RecentlyHandledCap
	if recentCap <= 0 {
		recentCap = defaultRecentlyHandledCap
	}
	cacheCap := opts.RequestCacheCap
	if cacheCap <= 0 {
		cacheCap = defaultRequestCacheCap
	}
	q.recentlyHandled = newLRUSet(recentCap)
	q.requestCache = newLRUCache(cacheCap)
	q.lastActivity = clock.Now()
	return q, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Name returns the queue name this instance was opened with.
func (q *RequestQueue) Name() string { return q.name }

// AddRequest enqueues a single request. Adds are idempotent per uniqueKey:
// the first insertion wins and later adds report the original identity with
// WasAlreadyPresent set.
func (q *RequestQueue) AddRequest(ctx context.Context, req *crawler.Request, opts AddOptions) (*crawler.QueueOperationInfo, error) {
	q.touch()
	if err := validateNewRequest(req); err != nil {
		return nil, err
	}
	cacheKey := crawler.UniqueKeyToRequestID(req.UniqueKey)

	q.mu.Lock()
	if cached, ok := q.requestCache.get(cacheKey); ok {
		q.mu.Unlock()
		return &crawler.QueueOperationInfo{
			RequestID:         cached.id,
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: cached.isHandled,
		}, nil
	}
	q.mu.Unlock()

	callStart := time.Now()
	info, err := q.client.AddRequest(ctx, req, opts.Forefront)
	metrics.ObserveStoreCall("add_request", time.Since(callStart))
	if err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}
	metrics.RecordQueueAdd(q.name, info.WasAlreadyPresent)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.cacheRequestLocked(cacheKey, info)
	if !info.WasAlreadyPresent && !q.isTrackedLocked(info.RequestID) {
		q.assumedTotalCount++
		q.maybeAddToHeadLocked(info.RequestID, opts.Forefront)
	}
	req.ID = info.RequestID
	return &info, nil
}

// AddRequests enqueues many requests, resolving dedup-cache hits locally and
// sending the rest to the store's batch endpoint in bounded chunks.
func (q *RequestQueue) AddRequests(ctx context.Context, reqs []*crawler.Request, opts AddOptions) (*AddRequestsResult, error) {
	q.touch()
	for _, req := range reqs {
		if err := validateNewRequest(req); err != nil {
			return nil, err
		}
	}

	result := &AddRequestsResult{}
	var misses []*crawler.Request
	seen := make(map[string]struct{}, len(reqs))

	q.mu.Lock()
	for _, req := range reqs {
		cacheKey := crawler.UniqueKeyToRequestID(req.UniqueKey)
		if cached, ok := q.requestCache.get(cacheKey); ok {
			result.Processed = append(result.Processed, crawler.QueueOperationInfo{
				RequestID:         cached.id,
				UniqueKey:         req.UniqueKey,
				WasAlreadyPresent: true,
				WasAlreadyHandled: cached.isHandled,
			})
			continue
		}
		// A duplicate uniqueKey within one batch resolves to the first
		// occurrence once the store reports it; sending it twice would
		// only waste the chunk budget.
		if _, dup := seen[req.UniqueKey]; dup {
			continue
		}
		seen[req.UniqueKey] = struct{}{}
		misses = append(misses, req)
	}
	q.mu.Unlock()

	for start := 0; start < len(misses); start += batchAddChunkSize {
		end := start + batchAddChunkSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]
		callStart := time.Now()
		batch, err := q.client.BatchAddRequests(ctx, chunk, opts.Forefront)
		metrics.ObserveStoreCall("batch_add_requests", time.Since(callStart))
		if err != nil {
			return nil, fmt.Errorf("batch add requests: %w", err)
		}
		byKey := make(map[string]*crawler.Request, len(chunk))
		for _, req := range chunk {
			byKey[req.UniqueKey] = req
		}
		q.mu.Lock()
		for _, info := range batch.Processed {
			q.cacheRequestLocked(crawler.UniqueKeyToRequestID(info.UniqueKey), info)
			if !info.WasAlreadyPresent && !q.isTrackedLocked(info.RequestID) {
				q.assumedTotalCount++
				q.maybeAddToHeadLocked(info.RequestID, opts.Forefront)
			}
			if req, ok := byKey[info.UniqueKey]; ok && req.ID == "" {
				req.ID = info.RequestID
			}
			metrics.RecordQueueAdd(q.name, info.WasAlreadyPresent)
		}
		q.mu.Unlock()
		result.Processed = append(result.Processed, batch.Processed...)
		result.Unprocessed = append(result.Unprocessed, batch.Unprocessed...)
	}
	return result, nil
}

// FetchNextRequest returns the next pending request and marks it in
// progress, or nil when nothing is ready. A nil result can mean an empty
// head, a not-yet-propagated write or an already-handled head entry; in all
// three cases the caller should poll again and consult IsFinished.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*crawler.Request, error) {
	q.touch()
	if _, err := q.ensureHeadIsNonEmpty(ctx, false, 0, 0); err != nil {
		return nil, err
	}

	q.mu.Lock()
	id, ok := q.head.popFront()
	if !ok {
		q.mu.Unlock()
		return nil, nil
	}
	if _, busy := q.inProgress[id]; busy || q.recentlyHandled.has(id) {
		// Should not happen; the head refill filters these out.
		q.log.Debug("Head entry already in progress or recently handled, skipping",
			zap.String("request_id", id))
		q.mu.Unlock()
		return nil, nil
	}
	q.inProgress[id] = struct{}{}
	q.lastActivity = q.clock.Now()
	q.mu.Unlock()

	callStart := time.Now()
	req, err := q.client.GetRequest(ctx, id)
	metrics.ObserveStoreCall("get_request", time.Since(callStart))
	if err != nil {
		q.mu.Lock()
		delete(q.inProgress, id)
		q.mu.Unlock()
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}

	if req == nil {
		// The head index is ahead of the main table. Hold the id in
		// progress until the write propagates, then release it so a
		// later head refill can retry it.
		q.log.Debug("Request not available in the main table yet, will retry later",
			zap.String("request_id", id))
		q.releaseAfterConsistencyDelay(id)
		return nil, nil
	}

	if req.HandledAt != nil {
		// The head index is behind the main table; the request was
		// already handled, possibly by another client.
		q.log.Debug("Request from the queue head was already handled",
			zap.String("request_id", id))
		q.mu.Lock()
		q.recentlyHandled.add(id)
		delete(q.inProgress, id)
		q.mu.Unlock()
		return nil, nil
	}

	req.Meta.State = crawler.RequestStateInProgress
	return req, nil
}

// MarkRequestHandled records terminal, successful processing of a request
// previously returned by FetchNextRequest.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, req *crawler.Request) (*crawler.QueueOperationInfo, error) {
	q.touch()
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("request with a non-empty id is required")
	}

	q.mu.Lock()
	if _, busy := q.inProgress[req.ID]; !busy {
		q.log.Warn("Cannot mark a request handled that is not in progress",
			zap.String("request_id", req.ID), zap.String("unique_key", req.UniqueKey))
		q.mu.Unlock()
		return nil, nil
	}
	q.mu.Unlock()

	if req.HandledAt == nil {
		now := q.clock.Now()
		req.HandledAt = &now
	}
	req.Meta.State = crawler.RequestStateHandled

	callStart := time.Now()
	info, err := q.client.UpdateRequest(ctx, req, false)
	metrics.ObserveStoreCall("update_request", time.Since(callStart))
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", req.ID, err)
	}
	metrics.RecordQueueHandled(q.name)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, req.ID)
	q.recentlyHandled.add(req.ID)
	if !info.WasAlreadyHandled {
		q.assumedHandledCount++
	}
	q.requestCache.put(crawler.UniqueKeyToRequestID(req.UniqueKey), cachedRequest{
		id:        info.RequestID,
		isHandled: true,
	})
	return &info, nil
}

// ReclaimRequest returns a failed request to the queue. The caller's
// mutations (retry count, error messages) are persisted immediately, but the
// id only re-enters the local head after the storage consistency delay so
// that the next fetch sees the updated record.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *crawler.Request, opts crawler.ReclaimOptions) (*crawler.QueueOperationInfo, error) {
	q.touch()
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("request with a non-empty id is required")
	}

	q.mu.Lock()
	if _, busy := q.inProgress[req.ID]; !busy {
		q.log.Warn("Cannot reclaim a request that is not in progress",
			zap.String("request_id", req.ID), zap.String("unique_key", req.UniqueKey))
		q.mu.Unlock()
		return nil, nil
	}
	q.mu.Unlock()

	req.Meta.State = crawler.RequestStateUnprocessed

	callStart := time.Now()
	info, err := q.client.UpdateRequest(ctx, req, opts.Forefront)
	metrics.ObserveStoreCall("update_request", time.Since(callStart))
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", req.ID, err)
	}
	metrics.RecordQueueReclaimed(q.name)

	q.mu.Lock()
	q.cacheRequestLocked(crawler.UniqueKeyToRequestID(req.UniqueKey), info)
	q.mu.Unlock()

	id := req.ID
	forefront := opts.Forefront
	time.AfterFunc(q.storageConsistencyDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		// The queue may have been reset or dropped meanwhile.
		if _, busy := q.inProgress[id]; !busy {
			q.log.Debug("Reclaimed request is no longer tracked as in progress",
				zap.String("request_id", id))
			return
		}
		delete(q.inProgress, id)
		if forefront {
			q.head.pushFront(id)
		} else {
			q.head.pushBack(id)
		}
	})
	return &info, nil
}

// IsEmpty reports whether the queue has nothing ready to fetch right now.
// Unlike IsFinished it gives no consistency guarantee.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.touch()
	if _, err := q.ensureHeadIsNonEmpty(ctx, false, 0, 0); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head.len() == 0, nil
}

// IsFinished reports whether every request has been handled. Any ambiguity
// from store propagation lag resolves to false; a true result is reliable.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if idle := q.clock.Now().Sub(q.lastActivity); idle > q.internalIdleTimeout {
		q.log.Warn("The request queue has been inactive for too long, resetting internal state",
			zap.Duration("inactive_for", idle))
		q.resetLocked()
	}
	if q.head.len() > 0 || len(q.inProgress) > 0 {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	consistent, err := q.ensureHeadIsNonEmpty(ctx, true, 0, 0)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return consistent && q.head.len() == 0 && len(q.inProgress) == 0, nil
}

// HandledCount returns the store-reported number of handled requests.
func (q *RequestQueue) HandledCount(ctx context.Context) (int, error) {
	meta, err := q.client.Metadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue metadata: %w", err)
	}
	return meta.HandledRequestCount, nil
}

// InProgressCount returns the number of requests currently checked out.
func (q *RequestQueue) InProgressCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

// Drop deletes the remote queue and discards all local state.
func (q *RequestQueue) Drop(ctx context.Context) error {
	if err := q.client.Drop(ctx); err != nil {
		return fmt.Errorf("drop queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
	return nil
}

// ensureHeadIsNonEmpty refills the local head cache from the store. With
// ensureConsistency it repeats, waiting out the processed-requests window,
// until the listing is provably complete or the iteration cap is hit, in
// which case it returns false and IsFinished conservatively answers "not
// finished".
func (q *RequestQueue) ensureHeadIsNonEmpty(ctx context.Context, ensureConsistency bool, limit, iteration int) (bool, error) {
	q.mu.Lock()
	if q.head.len() > 0 && !ensureConsistency {
		q.mu.Unlock()
		return true, nil
	}
	inProgressCount := len(q.inProgress)
	q.mu.Unlock()

	if limit <= 0 {
		limit = inProgressCount * queryHeadBufferMultiplier
		if limit < queryHeadMinLength {
			limit = queryHeadMinLength
		}
	}

	// Concurrent callers share a single in-flight head query.
	res, err, _ := q.headQuery.Do("head", func() (any, error) {
		queryStartedAt := q.clock.Now()
		callStart := time.Now()
		headData, err := q.client.ListHead(ctx, limit)
		metrics.ObserveStoreCall("list_head", time.Since(callStart))
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		for _, item := range headData.Items {
			if _, busy := q.inProgress[item.ID]; busy || q.recentlyHandled.has(item.ID) {
				continue
			}
			q.head.pushBack(item.ID)
			q.cacheRequestLocked(crawler.UniqueKeyToRequestID(item.UniqueKey), crawler.QueueOperationInfo{
				RequestID:         item.ID,
				UniqueKey:         item.UniqueKey,
				WasAlreadyPresent: true,
			})
		}
		headSize := q.head.len()
		q.mu.Unlock()
		metrics.SetQueueHeadSize(q.name, headSize)
		return headQueryResult{
			wasLimitReached:    len(headData.Items) >= limit,
			prevLimit:          limit,
			queueModifiedAt:    headData.QueueModifiedAt,
			hadMultipleClients: headData.HadMultipleClients,
			queryStartedAt:     queryStartedAt,
		}, nil
	})
	if err != nil {
		return false, fmt.Errorf("list queue head: %w", err)
	}
	r := res.(headQueryResult)

	if r.prevLimit >= queryHeadMaxLimit {
		q.log.Warn("Head query reached its maximum limit; the queue head may be incomplete",
			zap.Int("limit", r.prevLimit))
	}

	q.mu.Lock()
	headEmpty := q.head.len() == 0
	locallyConsistent := !r.hadMultipleClients && q.assumedTotalCount <= q.assumedHandledCount
	q.mu.Unlock()

	shouldRepeatWithHigherLimit := headEmpty && r.wasLimitReached && r.prevLimit < queryHeadMaxLimit
	databaseConsistent := r.queryStartedAt.Sub(r.queueModifiedAt) >= q.processedRequestsDelay
	shouldRepeatForConsistency := ensureConsistency && !databaseConsistent && !locallyConsistent

	if !shouldRepeatWithHigherLimit && !shouldRepeatForConsistency {
		return true, nil
	}
	if !shouldRepeatWithHigherLimit && iteration > maxQueriesForConsistency {
		return false, nil
	}

	nextLimit := r.prevLimit
	if shouldRepeatWithHigherLimit {
		nextLimit = int(math.Round(float64(r.prevLimit) * queryHeadGrowthFactor))
	}

	if shouldRepeatForConsistency {
		// Wait out the remainder of the propagation window since the
		// last store modification.
		delay := q.processedRequestsDelay - q.clock.Now().Sub(r.queueModifiedAt)
		if delay > 0 {
			q.log.Info("Waiting for the queue head to become consistent",
				zap.Duration("delay", delay), zap.Int("iteration", iteration))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return q.ensureHeadIsNonEmpty(ctx, ensureConsistency, nextLimit, iteration+1)
}

func (q *RequestQueue) releaseAfterConsistencyDelay(id string) {
	time.AfterFunc(q.storageConsistencyDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, busy := q.inProgress[id]; !busy {
			return
		}
		delete(q.inProgress, id)
	})
}

func (q *RequestQueue) touch() {
	q.mu.Lock()
	q.lastActivity = q.clock.Now()
	q.mu.Unlock()
}

func (q *RequestQueue) cacheRequestLocked(cacheKey string, info crawler.QueueOperationInfo) {
	q.requestCache.put(cacheKey, cachedRequest{
		id:        info.RequestID,
		isHandled: info.WasAlreadyHandled,
	})
}

func (q *RequestQueue) isTrackedLocked(id string) bool {
	if _, busy := q.inProgress[id]; busy {
		return true
	}
	return q.recentlyHandled.has(id)
}

// maybeAddToHeadLocked optimistically seeds the local head with a freshly
// added id: always for forefront adds, otherwise only while the queue is
// small enough that the head cache stays bounded.
func (q *RequestQueue) maybeAddToHeadLocked(id string, forefront bool) {
	if forefront {
		q.head.pushFront(id)
		return
	}
	if q.assumedTotalCount < queryHeadMinLength {
		q.head.pushBack(id)
	}
}

func (q *RequestQueue) resetLocked() {
	q.head.clear()
	q.inProgress = make(map[string]struct{})
	q.recentlyHandled.clear()
	q.requestCache.clear()
	q.assumedTotalCount = 0
	q.assumedHandledCount = 0
	q.lastActivity = q.clock.Now()
}

func validateNewRequest(req *crawler.Request) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if req.URL == "" {
		return fmt.Errorf("request url is required")
	}
	if req.ID != "" {
		return fmt.Errorf("request id must not be set before adding; got %q", req.ID)
	}
	if req.UniqueKey == "" {
		return fmt.Errorf("request unique key is required")
	}
	return nil
}
