package api

import (
	"fmt"
	"net/http"

	"github.com/crawlkit/crawlkit/internal/crawler"
)

type addRequestBody struct {
	URL                  string            `json:"url"`
	UniqueKey            string            `json:"uniqueKey"`
	Method               string            `json:"method"`
	Payload              string            `json:"payload"`
	Headers              map[string]string `json:"headers"`
	UserData             map[string]any    `json:"userData"`
	KeepURLFragment      bool              `json:"keepUrlFragment"`
	UseExtendedUniqueKey bool              `json:"useExtendedUniqueKey"`
	NoRetry              bool              `json:"noRetry"`
	MaxRetries           *int              `json:"maxRetries"`
	Forefront            bool              `json:"forefront"`
}

type addRequestsBody struct {
	Requests  []addRequestBody `json:"requests"`
	Forefront bool             `json:"forefront"`
}

func (b addRequestBody) toRequest() (*crawler.Request, error) {
	var headers http.Header
	if len(b.Headers) > 0 {
		headers = make(http.Header, len(b.Headers))
		for k, v := range b.Headers {
			headers.Set(k, v)
		}
	}
	var payload []byte
	if b.Payload != "" {
		payload = []byte(b.Payload)
	}
	req, err := crawler.NewRequest(crawler.RequestOptions{
		URL:                  b.URL,
		UniqueKey:            b.UniqueKey,
		Method:               b.Method,
		Payload:              payload,
		Headers:              headers,
		UserData:             b.UserData,
		KeepURLFragment:      b.KeepURLFragment,
		UseExtendedUniqueKey: b.UseExtendedUniqueKey,
		NoRetry:              b.NoRetry,
		MaxRetries:           b.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func toRequests(bodies []addRequestBody) ([]*crawler.Request, error) {
	reqs := make([]*crawler.Request, 0, len(bodies))
	for i, b := range bodies {
		req, err := b.toRequest()
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
