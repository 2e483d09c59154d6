package frontier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// urlPattern extracts URLs from downloaded list files when a source gives no
// explicit regex. It deliberately excludes commas so CSV cells split
// cleanly.
var urlPattern = regexp.MustCompile(`https?://(www\.)?[\w@:%._+~#=-]{1,256}\.[a-z]{2,6}\b[\w@:%_+.~#?&/=()-]*`)

const stateContentType = "application/json; charset=utf-8"

// Source describes one input of a RequestList: either a literal request or a
// directive to download a remote list of URLs and expand it in place.
//
// UniqueKey is a pointer on purpose: a non-nil value, even pointing at an
// empty string, means the source declares its own uniqueKey, which changes
// how KeepDuplicateURLs treats it.
type Source struct {
	URL       string         `json:"url,omitempty"`
	Method    string         `json:"method,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
	Headers   http.Header    `json:"headers,omitempty"`
	UserData  map[string]any `json:"userData,omitempty"`
	UniqueKey *string        `json:"uniqueKey,omitempty"`

	// RequestsFromURL points at a remote text file whose URLs, extracted
	// with Regex (or the default URL pattern), replace this source at its
	// declared position.
	RequestsFromURL string `json:"requestsFromUrl,omitempty"`
	Regex           string `json:"regex,omitempty"`
}

// SourcesFunc generates additional sources, appended only after all static
// sources are drained.
type SourcesFunc func(ctx context.Context) ([]Source, error)

// RequestListState is the persistable progress of a RequestList. The
// requests themselves are rebuilt from sources on restart; only the cursor
// and the in-progress set survive.
type RequestListState struct {
	NextIndex     int      `json:"nextIndex"`
	NextUniqueKey string   `json:"nextUniqueKey"`
	InProgress    []string `json:"inProgress"`
}

// RequestListOptions configures NewRequestList.
type RequestListOptions struct {
	Sources     []Source
	SourcesFunc SourcesFunc

	// KeepDuplicateURLs appends a positional suffix to computed uniqueKeys
	// so the same URL can appear multiple times. Sources that declare
	// their own uniqueKey are exempt; duplicate explicit keys are logged
	// and dropped.
	KeepDuplicateURLs bool

	// PersistStateKey enables progress persistence through KV.
	PersistStateKey string

	// PersistSourcesKey additionally snapshots the materialized requests,
	// protecting against remote sources that change between runs.
	PersistSourcesKey string

	KV         storage.KeyValueClient
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// RequestList is the static crawl frontier: an immutable, ordered,
// deduplicated set of requests assembled exactly once by Initialize, with
// in-memory progress tracking and optional crash-resumable state.
type RequestList struct {
	log  *zap.Logger
	opts RequestListOptions
	http *http.Client

	mu               sync.Mutex
	initialized      bool
	requests         []*crawler.Request
	uniqueKeyToIndex map[string]int
	nextIndex        int
	inProgress       map[string]struct{}
	reclaimed        *orderedSet
}

// NewRequestList validates options and returns an uninitialized list.
// Initialize must be called before any other operation.
func NewRequestList(opts RequestListOptions) (*RequestList, error) {
	if len(opts.Sources) == 0 && opts.SourcesFunc == nil {
		return nil, fmt.Errorf("request list needs sources or a sources function")
	}
	if (opts.PersistStateKey != "" || opts.PersistSourcesKey != "") && opts.KV == nil {
		return nil, fmt.Errorf("state persistence requires a key-value client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RequestList{
		log:              logger,
		opts:             opts,
		http:             httpClient,
		uniqueKeyToIndex: make(map[string]int),
		inProgress:       make(map[string]struct{}),
		reclaimed:        newOrderedSet(),
	}, nil
}

// Initialize performs the single assembly pass: literal sources in
// declaration order, remote lists expanded in place, generated sources
// appended last. It then restores persisted progress when configured.
func (l *RequestList) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return fmt.Errorf("request list is already initialized")
	}
	l.mu.Unlock()

	restored, err := l.loadPersistedRequests(ctx)
	if err != nil {
		return err
	}
	if !restored {
		if err := l.assembleFromSources(ctx); err != nil {
			return err
		}
		if err := l.persistRequests(ctx); err != nil {
			return err
		}
	}

	if err := l.restoreState(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.initialized = true
	count := len(l.requests)
	l.mu.Unlock()
	l.log.Info("Request list initialized", zap.Int("requests", count))
	return nil
}

func (l *RequestList) assembleFromSources(ctx context.Context) error {
	for _, src := range l.opts.Sources {
		if src.RequestsFromURL != "" {
			expanded, err := l.fetchRemoteSources(ctx, src)
			if err != nil {
				return err
			}
			for _, e := range expanded {
				if err := l.addSource(e); err != nil {
					return err
				}
			}
			continue
		}
		if err := l.addSource(src); err != nil {
			return err
		}
	}
	if l.opts.SourcesFunc != nil {
		generated, err := l.opts.SourcesFunc(ctx)
		if err != nil {
			return fmt.Errorf("sources function: %w", err)
		}
		for _, src := range generated {
			if src.RequestsFromURL != "" {
				return fmt.Errorf("sources function must not return remote list directives")
			}
			if err := l.addSource(src); err != nil {
				return err
			}
		}
	}
	return nil
}

// addSource converts one source into a Request and appends it unless its
// uniqueKey is already taken.
func (l *RequestList) addSource(src Source) error {
	reqOpts := crawler.RequestOptions{
		URL:      src.URL,
		Method:   src.Method,
		Payload:  src.Payload,
		Headers:  src.Headers,
		UserData: src.UserData,
	}
	if src.UniqueKey != nil {
		reqOpts.UniqueKey = *src.UniqueKey
	}
	req, err := crawler.NewRequest(reqOpts)
	if err != nil {
		return fmt.Errorf("build request for %q: %w", src.URL, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// The suffix is skipped whenever the source declares a uniqueKey
	// property, even an empty one; only computed keys get the positional
	// extension.
	if l.opts.KeepDuplicateURLs && src.UniqueKey == nil {
		req.UniqueKey = fmt.Sprintf("%s-%d", req.UniqueKey, len(l.requests))
	}

	if _, exists := l.uniqueKeyToIndex[req.UniqueKey]; exists {
		if l.opts.KeepDuplicateURLs {
			l.log.Warn("Duplicate explicit uniqueKey, only the first request will be used",
				zap.String("unique_key", req.UniqueKey))
		}
		return nil
	}
	req.ID = crawler.UniqueKeyToRequestID(req.UniqueKey)
	l.uniqueKeyToIndex[req.UniqueKey] = len(l.requests)
	l.requests = append(l.requests, req)
	return nil
}

func (l *RequestList) fetchRemoteSources(ctx context.Context, src Source) ([]Source, error) {
	pattern := urlPattern
	if src.Regex != "" {
		var err error
		pattern, err = regexp.Compile(src.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile regex for %q: %w", src.RequestsFromURL, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src.RequestsFromURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build list download request: %w", err)
	}
	resp, err := l.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download url list %q: %w", src.RequestsFromURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download url list %q: unexpected status %d", src.RequestsFromURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read url list %q: %w", src.RequestsFromURL, err)
	}

	urls := pattern.FindAllString(string(body), -1)
	l.log.Info("Fetched request sources from remote list",
		zap.String("url", src.RequestsFromURL), zap.Int("found", len(urls)))

	expanded := make([]Source, 0, len(urls))
	for _, u := range urls {
		expanded = append(expanded, Source{
			URL:       u,
			Method:    src.Method,
			Headers:   src.Headers,
			UserData:  src.UserData,
			UniqueKey: src.UniqueKey,
		})
	}
	return expanded, nil
}

// FetchNextRequest returns reclaimed requests first, then advances the
// cursor. A nil result means everything is handled or in progress.
func (l *RequestList) FetchNextRequest(_ context.Context) (*crawler.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInitializedLocked(); err != nil {
		return nil, err
	}

	if uniqueKey, ok := l.reclaimed.popFront(); ok {
		idx := l.uniqueKeyToIndex[uniqueKey]
		return l.requests[idx], nil
	}
	if l.nextIndex < len(l.requests) {
		req := l.requests[l.nextIndex]
		l.inProgress[req.UniqueKey] = struct{}{}
		l.nextIndex++
		req.Meta.State = crawler.RequestStateInProgress
		return req, nil
	}
	return nil, nil
}

// MarkRequestHandled records terminal processing; purely in-memory.
func (l *RequestList) MarkRequestHandled(_ context.Context, req *crawler.Request) (*crawler.QueueOperationInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInProgressLocked(req); err != nil {
		return nil, err
	}
	delete(l.inProgress, req.UniqueKey)
	req.Meta.State = crawler.RequestStateHandled
	return &crawler.QueueOperationInfo{
		RequestID:         req.ID,
		UniqueKey:         req.UniqueKey,
		WasAlreadyPresent: true,
	}, nil
}

// ReclaimRequest makes a failed in-progress request eligible for
// re-delivery ahead of the cursor.
func (l *RequestList) ReclaimRequest(_ context.Context, req *crawler.Request, _ crawler.ReclaimOptions) (*crawler.QueueOperationInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInProgressLocked(req); err != nil {
		return nil, err
	}
	l.reclaimed.pushBack(req.UniqueKey)
	req.Meta.State = crawler.RequestStateUnprocessed
	return &crawler.QueueOperationInfo{
		RequestID:         req.ID,
		UniqueKey:         req.UniqueKey,
		WasAlreadyPresent: true,
	}, nil
}

// IsEmpty reports whether there is nothing left to fetch right now.
func (l *RequestList) IsEmpty(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInitializedLocked(); err != nil {
		return false, err
	}
	return l.reclaimed.len() == 0 && l.nextIndex >= len(l.requests), nil
}

// IsFinished reports whether every request has been handled.
func (l *RequestList) IsFinished(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInitializedLocked(); err != nil {
		return false, err
	}
	return len(l.inProgress) == 0 && l.nextIndex >= len(l.requests), nil
}

// Length returns the total number of unique requests in the list.
func (l *RequestList) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// HandledCount returns the number of requests processed to completion.
func (l *RequestList) HandledCount(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureInitializedLocked(); err != nil {
		return 0, err
	}
	return l.nextIndex - len(l.inProgress), nil
}

// GetState captures the resumable progress of the list.
func (l *RequestList) GetState() RequestListState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := RequestListState{
		NextIndex:  l.nextIndex,
		InProgress: make([]string, 0, len(l.inProgress)),
	}
	if l.nextIndex < len(l.requests) {
		state.NextUniqueKey = l.requests[l.nextIndex].UniqueKey
	}
	for key := range l.inProgress {
		state.InProgress = append(state.InProgress, key)
	}
	return state
}

// PersistState writes the current progress under the configured state key.
func (l *RequestList) PersistState(ctx context.Context) error {
	if l.opts.PersistStateKey == "" {
		return fmt.Errorf("request list has no persist state key configured")
	}
	data, err := json.Marshal(l.GetState())
	if err != nil {
		return fmt.Errorf("marshal request list state: %w", err)
	}
	if err := l.opts.KV.SetValue(ctx, l.opts.PersistStateKey, data, stateContentType); err != nil {
		return fmt.Errorf("persist request list state: %w", err)
	}
	return nil
}

// restoreState loads and validates persisted progress. Surviving in-progress
// entries become reclaimed: after a restart nothing is genuinely mid-flight.
func (l *RequestList) restoreState(ctx context.Context) error {
	if l.opts.PersistStateKey == "" {
		return nil
	}
	data, err := l.opts.KV.GetValue(ctx, l.opts.PersistStateKey)
	if err != nil {
		return fmt.Errorf("load request list state: %w", err)
	}
	if data == nil {
		return nil
	}
	var state RequestListState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode request list state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if state.NextIndex < 0 || state.NextIndex > len(l.requests) {
		return fmt.Errorf("persisted state inconsistent with sources: nextIndex %d out of bounds", state.NextIndex)
	}
	if state.NextIndex < len(l.requests) && l.requests[state.NextIndex].UniqueKey != state.NextUniqueKey {
		return fmt.Errorf("persisted state inconsistent with sources: expected uniqueKey %q at index %d, got %q",
			state.NextUniqueKey, state.NextIndex, l.requests[state.NextIndex].UniqueKey)
	}

	l.nextIndex = state.NextIndex
	for _, key := range state.InProgress {
		idx, known := l.uniqueKeyToIndex[key]
		if !known {
			return fmt.Errorf("persisted state inconsistent with sources: unknown in-progress uniqueKey %q", key)
		}
		// Entries at or past the cursor will be recrawled anyway.
		if idx >= l.nextIndex {
			l.log.Warn("Discarding stale in-progress entry from persisted state",
				zap.String("unique_key", key), zap.Int("index", idx))
			continue
		}
		l.inProgress[key] = struct{}{}
		l.reclaimed.pushBack(key)
	}
	l.log.Info("Restored request list state",
		zap.Int("next_index", l.nextIndex), zap.Int("reclaimed", l.reclaimed.len()))
	return nil
}

func (l *RequestList) persistRequests(ctx context.Context) error {
	if l.opts.PersistSourcesKey == "" {
		return nil
	}
	l.mu.Lock()
	data, err := json.Marshal(l.requests)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal request list requests: %w", err)
	}
	if err := l.opts.KV.SetValue(ctx, l.opts.PersistSourcesKey, data, stateContentType); err != nil {
		return fmt.Errorf("persist request list requests: %w", err)
	}
	return nil
}

// loadPersistedRequests rebuilds the materialized list from an earlier
// snapshot, so a remote source that changed between runs cannot desync the
// persisted progress state.
func (l *RequestList) loadPersistedRequests(ctx context.Context) (bool, error) {
	if l.opts.PersistSourcesKey == "" {
		return false, nil
	}
	data, err := l.opts.KV.GetValue(ctx, l.opts.PersistSourcesKey)
	if err != nil {
		return false, fmt.Errorf("load persisted requests: %w", err)
	}
	if data == nil {
		return false, nil
	}
	var requests []*crawler.Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return false, fmt.Errorf("decode persisted requests: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = requests
	l.uniqueKeyToIndex = make(map[string]int, len(requests))
	for i, req := range requests {
		l.uniqueKeyToIndex[req.UniqueKey] = i
	}
	l.log.Info("Restored request list from persisted snapshot", zap.Int("requests", len(requests)))
	return true, nil
}

func (l *RequestList) ensureInitializedLocked() error {
	if !l.initialized {
		return fmt.Errorf("request list is not initialized; call Initialize first")
	}
	return nil
}

func (l *RequestList) ensureInProgressLocked(req *crawler.Request) error {
	if err := l.ensureInitializedLocked(); err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if _, busy := l.inProgress[req.UniqueKey]; !busy {
		return fmt.Errorf("request %q is not being processed", req.UniqueKey)
	}
	return nil
}
