package crawler

import (
	"context"
	"time"
)

// RequestProvider is the frontier surface consumed by the crawl loop. Both
// the dynamic RequestQueue and the static RequestList satisfy it.
type RequestProvider interface {
	// FetchNextRequest returns the next request to process, or nil when
	// nothing is ready right now. A nil result does not mean the frontier
	// is finished; callers must consult IsFinished separately.
	FetchNextRequest(ctx context.Context) (*Request, error)

	// MarkRequestHandled reports successful terminal processing.
	MarkRequestHandled(ctx context.Context, req *Request) (*QueueOperationInfo, error)

	// ReclaimRequest returns a failed request to the frontier for a later
	// retry, optionally at the front.
	ReclaimRequest(ctx context.Context, req *Request, opts ReclaimOptions) (*QueueOperationInfo, error)

	// IsEmpty reports whether there are no requests ready for fetching.
	IsEmpty(ctx context.Context) (bool, error)

	// IsFinished reports whether all requests have been handled. It never
	// returns true while work might remain.
	IsFinished(ctx context.Context) (bool, error)

	// HandledCount returns the number of requests handled so far.
	HandledCount(ctx context.Context) (int, error)
}

// ReclaimOptions modifies ReclaimRequest behavior.
type ReclaimOptions struct {
	Forefront bool
}

// Fetcher fetches a URL and returns the body plus extracted links.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*FetchResult, error)
}

// FetchResult is the outcome of a page fetch.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Links      []string
	Duration   time.Duration
	Rendered   bool
}

// Publisher pushes crawl lifecycle events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
