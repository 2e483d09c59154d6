// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlkit/crawlkit/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	ExtractLinks  bool
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))

	transport := newRobotsRetryTransport(newHTTPTransport())
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using Colly and extracts outgoing
// links from HTML responses.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.FetchResult, error) {
	if req == nil || req.URL == "" {
		return nil, fmt.Errorf("request with a url is required")
	}

	var (
		result   crawler.FetchResult
		links    []string
		seen     = make(map[string]struct{})
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	if f.cfg.ExtractLinks {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			link := e.Request.AbsoluteURL(e.Attr("href"))
			if link == "" || strings.HasPrefix(link, "javascript:") {
				return
			}
			if _, dup := seen[link]; dup {
				return
			}
			seen[link] = struct{}{}
			links = append(links, link)
		})
	}
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.run(ctx, collector, req, &fetchErr); err != nil {
		return nil, err
	}
	result.Links = links
	return &result, nil
}

func (f *Fetcher) run(ctx context.Context, collector *colly.Collector, req *crawler.Request, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- f.visit(collector, req)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		collector.Wait()
		return nil
	}
}

func (f *Fetcher) visit(collector *colly.Collector, req *crawler.Request) error {
	method := req.Method
	if method == "" || method == http.MethodGet {
		return collector.Visit(req.URL)
	}
	var body *bytes.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	} else {
		body = bytes.NewReader(nil)
	}
	return collector.Request(method, req.URL, body, nil, nil)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
