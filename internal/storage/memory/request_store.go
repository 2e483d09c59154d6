// Package memory provides storage implementations for development and
// testing. The request store can simulate the write-propagation lag of a
// real eventually consistent backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// RequestStoreOptions tunes the simulated consistency behavior.
type RequestStoreOptions struct {
	// GetLag delays visibility of new requests to GetRequest, making the
	// head listing appear ahead of the main table.
	GetLag time.Duration

	// HandledLag keeps handled requests visible to ListHead for a while,
	// making the head listing appear behind the main table.
	HandledLag time.Duration

	Clock crawler.Clock
}

type record struct {
	req       crawler.Request
	addedAt   time.Time
	handledAt *time.Time
}

// RequestStore is an in-memory RequestQueueClient.
type RequestStore struct {
	mu    sync.RWMutex
	clock crawler.Clock

	getLag     time.Duration
	handledLag time.Duration

	records         map[string]*record
	byUniqueKey     map[string]string
	order           []string
	modifiedAt      time.Time
	handledCount    int
	multipleClients bool
	dropped         bool
}

// NewRequestStore constructs a RequestStore.
func NewRequestStore(opts RequestStoreOptions) *RequestStore {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &RequestStore{
		clock:       clock,
		getLag:      opts.GetLag,
		handledLag:  opts.HandledLag,
		records:     make(map[string]*record),
		byUniqueKey: make(map[string]string),
		modifiedAt:  clock.Now(),
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SetHadMultipleClients marks the queue as shared by multiple processes,
// which disables the frontier's local-consistency shortcut.
func (s *RequestStore) SetHadMultipleClients(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multipleClients = v
}

// AddRequest stores the request unless the uniqueKey is already taken.
func (s *RequestStore) AddRequest(_ context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return crawler.QueueOperationInfo{}, storage.ErrQueueNotFound
	}
	return s.addLocked(req, forefront), nil
}

// BatchAddRequests stores many requests; invalid inputs are reported as
// unprocessed instead of failing the batch.
func (s *RequestStore) BatchAddRequests(_ context.Context, reqs []*crawler.Request, forefront bool) (storage.BatchAddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return storage.BatchAddResult{}, storage.ErrQueueNotFound
	}
	var result storage.BatchAddResult
	for _, req := range reqs {
		if req == nil || req.URL == "" || req.UniqueKey == "" {
			unprocessed := storage.UnprocessedRequest{}
			if req != nil {
				unprocessed.UniqueKey = req.UniqueKey
				unprocessed.URL = req.URL
				unprocessed.Method = req.Method
			}
			result.Unprocessed = append(result.Unprocessed, unprocessed)
			continue
		}
		result.Processed = append(result.Processed, s.addLocked(req, forefront))
	}
	return result, nil
}

func (s *RequestStore) addLocked(req *crawler.Request, forefront bool) crawler.QueueOperationInfo {
	if id, exists := s.byUniqueKey[req.UniqueKey]; exists {
		existing := s.records[id]
		return crawler.QueueOperationInfo{
			RequestID:         id,
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.handledAt != nil,
		}
	}

	now := s.clock.Now()
	id := crawler.UniqueKeyToRequestID(req.UniqueKey)
	stored := *req
	stored.ID = id
	rec := &record{req: stored, addedAt: now}
	if stored.HandledAt != nil {
		ts := *stored.HandledAt
		rec.handledAt = &ts
		s.handledCount++
	}
	s.records[id] = rec
	s.byUniqueKey[req.UniqueKey] = id
	if forefront {
		s.order = append([]string{id}, s.order...)
	} else {
		s.order = append(s.order, id)
	}
	s.modifiedAt = now
	return crawler.QueueOperationInfo{
		RequestID:         id,
		UniqueKey:         req.UniqueKey,
		WasAlreadyHandled: rec.handledAt != nil,
	}
}

// GetRequest returns the stored request, or nil while the write is still
// propagating.
func (s *RequestStore) GetRequest(_ context.Context, id string) (*crawler.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped {
		return nil, storage.ErrQueueNotFound
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	if s.clock.Now().Sub(rec.addedAt) < s.getLag {
		return nil, nil
	}
	out := rec.req
	return &out, nil
}

// UpdateRequest overwrites the request's mutable fields.
func (s *RequestStore) UpdateRequest(_ context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return crawler.QueueOperationInfo{}, storage.ErrQueueNotFound
	}
	rec, ok := s.records[req.ID]
	if !ok {
		return crawler.QueueOperationInfo{}, storage.ErrQueueNotFound
	}

	wasAlreadyHandled := rec.handledAt != nil
	now := s.clock.Now()
	rec.req = *req
	if req.HandledAt != nil && rec.handledAt == nil {
		rec.handledAt = &now
		s.handledCount++
	}
	if req.HandledAt == nil && rec.handledAt != nil {
		rec.handledAt = nil
		s.handledCount--
	}
	if forefront && rec.handledAt == nil {
		s.moveToFrontLocked(req.ID)
	}
	s.modifiedAt = now
	return crawler.QueueOperationInfo{
		RequestID:         req.ID,
		UniqueKey:         req.UniqueKey,
		WasAlreadyPresent: true,
		WasAlreadyHandled: wasAlreadyHandled,
	}, nil
}

// ListHead returns pending requests in queue order. Recently handled
// requests stay listed until the simulated propagation window closes.
func (s *RequestStore) ListHead(_ context.Context, limit int) (storage.QueueHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped {
		return storage.QueueHead{}, storage.ErrQueueNotFound
	}
	now := s.clock.Now()
	head := storage.QueueHead{
		QueueModifiedAt:    s.modifiedAt,
		HadMultipleClients: s.multipleClients,
	}
	for _, id := range s.order {
		if len(head.Items) >= limit {
			break
		}
		rec := s.records[id]
		if rec.handledAt != nil && now.Sub(*rec.handledAt) >= s.handledLag {
			continue
		}
		head.Items = append(head.Items, storage.QueueHeadItem{ID: id, UniqueKey: rec.req.UniqueKey})
	}
	return head, nil
}

// Metadata returns the store-side counts.
func (s *RequestStore) Metadata(_ context.Context) (storage.QueueMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped {
		return storage.QueueMetadata{}, storage.ErrQueueNotFound
	}
	total := len(s.records)
	return storage.QueueMetadata{
		TotalRequestCount:   total,
		HandledRequestCount: s.handledCount,
		PendingRequestCount: total - s.handledCount,
		ModifiedAt:          s.modifiedAt,
	}, nil
}

// Drop deletes the queue; subsequent operations fail with ErrQueueNotFound.
func (s *RequestStore) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
	s.byUniqueKey = make(map[string]string)
	s.order = nil
	s.handledCount = 0
	s.dropped = true
	return nil
}

func (s *RequestStore) moveToFrontLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append([]string{id}, s.order...)
}
