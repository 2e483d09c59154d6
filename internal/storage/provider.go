// Package storage defines the backing-store capabilities consumed by the
// crawl frontier. The abstractions keep the frontier independent of a
// specific durable store (Postgres, the in-memory development store, ...).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/crawlkit/crawlkit/internal/crawler"
)

// ErrQueueNotFound is returned by clients when the target queue was dropped.
var ErrQueueNotFound = errors.New("request queue not found")

// QueueHeadItem is one entry of a head listing.
type QueueHeadItem struct {
	ID        string `json:"id"`
	UniqueKey string `json:"uniqueKey"`
}

// QueueHead is the result of listing the first pending requests of a queue.
// QueueModifiedAt and HadMultipleClients drive the frontier's consistency
// checks: a head listing may lag behind recent writes, and local counters
// are only trustworthy while a single client touches the queue.
type QueueHead struct {
	Items              []QueueHeadItem `json:"items"`
	QueueModifiedAt    time.Time       `json:"queueModifiedAt"`
	HadMultipleClients bool            `json:"hadMultipleClients"`
}

// UnprocessedRequest identifies a batch-add input the store rejected.
type UnprocessedRequest struct {
	UniqueKey string `json:"uniqueKey"`
	URL       string `json:"url"`
	Method    string `json:"method,omitempty"`
}

// BatchAddResult partitions a batch add into stored and rejected inputs.
type BatchAddResult struct {
	Processed   []crawler.QueueOperationInfo
	Unprocessed []UnprocessedRequest
}

// QueueMetadata reports store-side counts for a queue.
type QueueMetadata struct {
	TotalRequestCount   int       `json:"totalRequestCount"`
	HandledRequestCount int       `json:"handledRequestCount"`
	PendingRequestCount int       `json:"pendingRequestCount"`
	ModifiedAt          time.Time `json:"modifiedAt"`
}

// RequestQueueClient is the durable request store capability. Adds are
// idempotent per uniqueKey: the first insert wins and later adds report the
// existing identity. Implementations may propagate writes with a delay; the
// frontier compensates, so clients must faithfully report QueueModifiedAt
// and HadMultipleClients rather than papering over lag.
type RequestQueueClient interface {
	// AddRequest stores the request unless its uniqueKey is already known.
	AddRequest(ctx context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error)

	// BatchAddRequests stores many requests in one round-trip. Rejected
	// inputs are reported, not returned as an error.
	BatchAddRequests(ctx context.Context, reqs []*crawler.Request, forefront bool) (BatchAddResult, error)

	// GetRequest returns the stored request, or nil when the id is not
	// (yet) visible.
	GetRequest(ctx context.Context, id string) (*crawler.Request, error)

	// UpdateRequest overwrites the stored request's mutable fields.
	UpdateRequest(ctx context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error)

	// ListHead returns up to limit pending requests in queue order.
	ListHead(ctx context.Context, limit int) (QueueHead, error)

	// Metadata returns the store-side counts.
	Metadata(ctx context.Context) (QueueMetadata, error)

	// Drop deletes the whole queue.
	Drop(ctx context.Context) error
}

// KeyValueClient is the blob-oriented capability used for resumable state.
type KeyValueClient interface {
	// GetValue returns the raw value, or nil when the key is absent.
	GetValue(ctx context.Context, key string) ([]byte, error)

	// SetValue stores the value under key with the given content type.
	SetValue(ctx context.Context, key string, value []byte, contentType string) error

	// Drop deletes the whole store.
	Drop(ctx context.Context) error
}
