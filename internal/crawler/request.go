// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crawlkit/crawlkit/internal/hash/sha256"
)

// RequestState represents the lifecycle state of a request inside a frontier.
type RequestState string

// Request state values tracked in the internal metadata record.
const (
	RequestStateUnprocessed RequestState = "unprocessed"
	RequestStateInProgress  RequestState = "in_progress"
	RequestStateHandled     RequestState = "handled"
)

// DefaultMaxRetries is applied when a Request carries no per-request override.
const DefaultMaxRetries = 3

// RequestMeta is the frontier-owned metadata record. It travels with the
// Request but is kept separate from the caller's UserData bag.
type RequestMeta struct {
	State           RequestState `json:"state,omitempty"`
	SkipNavigation  bool         `json:"skip_navigation,omitempty"`
	RetryOverrides  int          `json:"retry_overrides,omitempty"`
	SessionRotation int          `json:"session_rotation,omitempty"`
}

// Request is a single unit of crawl work. Its identity within a frontier is
// the UniqueKey; the ID is assigned by the backing store (or derived locally
// in list mode) and is opaque to callers.
type Request struct {
	ID            string         `json:"id,omitempty"`
	URL           string         `json:"url"`
	UniqueKey     string         `json:"uniqueKey"`
	Method        string         `json:"method,omitempty"`
	Payload       []byte         `json:"payload,omitempty"`
	Headers       http.Header    `json:"headers,omitempty"`
	UserData      map[string]any `json:"userData,omitempty"`
	Meta          RequestMeta    `json:"meta,omitempty"`
	RetryCount    int            `json:"retryCount,omitempty"`
	NoRetry       bool           `json:"noRetry,omitempty"`
	MaxRetries    *int           `json:"maxRetries,omitempty"`
	ErrorMessages []string       `json:"errorMessages,omitempty"`
	HandledAt     *time.Time     `json:"handledAt,omitempty"`
}

// RequestOptions configures NewRequest.
type RequestOptions struct {
	URL                  string
	UniqueKey            string
	Method               string
	Payload              []byte
	Headers              http.Header
	UserData             map[string]any
	KeepURLFragment      bool
	UseExtendedUniqueKey bool
	SkipNavigation       bool
	NoRetry              bool
	MaxRetries           *int
}

// NewRequest validates the options and builds a Request with a computed
// uniqueKey when none is given explicitly.
func NewRequest(opts RequestOptions) (*Request, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("request url is required")
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	uniqueKey := opts.UniqueKey
	if uniqueKey == "" {
		var err error
		uniqueKey, err = ComputeUniqueKey(
			opts.URL,
			method,
			opts.Payload,
			opts.KeepURLFragment,
			opts.UseExtendedUniqueKey,
		)
		if err != nil {
			return nil, fmt.Errorf("compute unique key: %w", err)
		}
	}
	return &Request{
		URL:       opts.URL,
		UniqueKey: uniqueKey,
		Method:    method,
		Payload:   opts.Payload,
		Headers:   opts.Headers,
		UserData:  opts.UserData,
		Meta: RequestMeta{
			State:          RequestStateUnprocessed,
			SkipNavigation: opts.SkipNavigation,
		},
		NoRetry:    opts.NoRetry,
		MaxRetries: opts.MaxRetries,
	}, nil
}

// ComputeUniqueKey derives the canonical identity of a request from its URL.
// With useExtendedUniqueKey the method and a short payload digest become part
// of the key so that e.g. POSTs to the same URL with different bodies stay
// distinct.
func ComputeUniqueKey(rawURL, method string, payload []byte, keepFragment, useExtended bool) (string, error) {
	normalized, err := NormalizeURL(rawURL, keepFragment)
	if err != nil {
		return "", err
	}
	if !useExtended {
		return normalized, nil
	}
	return fmt.Sprintf("%s(%s):%s", strings.ToUpper(method), sha256.PayloadDigest(payload), normalized), nil
}

// UniqueKeyToRequestID derives the deterministic short id used by the memory
// store and by the frontier's local dedup cache.
func UniqueKeyToRequestID(uniqueKey string) string {
	return sha256.KeyDigest(uniqueKey)
}

// MaxRetryCount resolves the per-request override against the default.
func (r *Request) MaxRetryCount() int {
	if r.NoRetry {
		return 0
	}
	if r.MaxRetries != nil {
		return *r.MaxRetries
	}
	return DefaultMaxRetries
}

// PushErrorMessage appends a failure description to the request's error log.
func (r *Request) PushErrorMessage(err error) {
	if err == nil {
		return
	}
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
}

// QueueOperationInfo describes the outcome of an add or update operation.
type QueueOperationInfo struct {
	RequestID         string `json:"requestId"`
	UniqueKey         string `json:"uniqueKey"`
	WasAlreadyPresent bool   `json:"wasAlreadyPresent"`
	WasAlreadyHandled bool   `json:"wasAlreadyHandled"`
}
