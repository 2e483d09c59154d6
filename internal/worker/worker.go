// Package worker implements the crawl execution loop over a frontier.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/frontier"
	"github.com/crawlkit/crawlkit/internal/hash/sha256"
	"github.com/crawlkit/crawlkit/internal/metrics"
	"github.com/crawlkit/crawlkit/internal/progress"
)

// Enqueuer accepts newly discovered requests. The dynamic RequestQueue
// satisfies it; list-only crawls run without one.
type Enqueuer interface {
	AddRequests(ctx context.Context, reqs []*crawler.Request, opts frontier.AddOptions) (*frontier.AddRequestsResult, error)
}

// Limiter paces outgoing fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Detector decides whether a plain fetch should be retried with a headless
// renderer.
type Detector interface {
	ShouldPromote(result *crawler.FetchResult) bool
}

// Config controls Pool behavior.
type Config struct {
	// Queue labels progress events and log lines.
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	Topic        string
	MaxDepth     int
}

// Options carries the Pool's collaborators. Provider, Fetcher and Clock are
// required; everything else degrades gracefully when absent.
type Options struct {
	Provider  crawler.RequestProvider
	Enqueuer  Enqueuer
	Fetcher   crawler.Fetcher
	Renderer  crawler.Fetcher
	Detector  Detector
	Limiter   Limiter
	Blocklist *Blocklist
	Publisher crawler.Publisher
	Emitter   progress.Emitter
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Logger    *zap.Logger
	Config    Config
}

// Pool drains a frontier with a fixed set of goroutines. Each worker fetches
// the next request, runs the page fetch, enqueues discovered links and
// reports the outcome back to the frontier.
type Pool struct {
	provider  crawler.RequestProvider
	enqueuer  Enqueuer
	fetcher   crawler.Fetcher
	renderer  crawler.Fetcher
	detector  Detector
	limiter   Limiter
	blocklist *Blocklist
	publisher crawler.Publisher
	emitter   progress.Emitter
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool.
func New(opts Options) (*Pool, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("request provider is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Pool{
		provider:  opts.Provider,
		enqueuer:  opts.Enqueuer,
		fetcher:   opts.Fetcher,
		renderer:  opts.Renderer,
		detector:  opts.Detector,
		limiter:   opts.Limiter,
		blocklist: opts.Blocklist,
		publisher: opts.Publisher,
		emitter:   opts.Emitter,
		hasher:    hasher,
		clock:     opts.Clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run blocks until the frontier reports finished or the context ends.
func (p *Pool) Run(ctx context.Context) error {
	start := p.clock.Now()
	p.emit(progress.Event{Stage: progress.StageCrawlStart, TS: start})

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()

	end := p.clock.Now()
	if err := ctx.Err(); err != nil {
		p.emit(progress.Event{
			Stage: progress.StageCrawlError,
			TS:    end,
			Dur:   end.Sub(start),
			Note:  err.Error(),
		})
		return err
	}
	p.emit(progress.Event{Stage: progress.StageCrawlDone, TS: end, Dur: end.Sub(start)})
	return nil
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := p.provider.FetchNextRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("fetch next request failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if req == nil {
			finished, err := p.provider.IsFinished(ctx)
			if err != nil {
				log.Error("finished check failed", zap.Error(err))
				p.sleep(ctx)
				continue
			}
			if finished {
				log.Debug("frontier finished")
				return
			}
			p.sleep(ctx)
			continue
		}
		p.process(ctx, log, req)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, req *crawler.Request) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, req.URL); err != nil {
			if ctx.Err() == nil {
				log.Warn("rate limit wait failed", zap.String("url", req.URL), zap.Error(err))
			}
			if _, err := p.provider.ReclaimRequest(ctx, req, crawler.ReclaimOptions{}); err != nil && ctx.Err() == nil {
				log.Error("reclaim after limiter failed", zap.String("url", req.URL), zap.Error(err))
			}
			return
		}
	}

	p.emit(progress.Event{
		Stage: progress.StageFetchStart,
		TS:    p.clock.Now(),
		Site:  hostOf(req.URL),
		URL:   req.URL,
	})

	result, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		p.handleFailure(ctx, log, req, err)
		return
	}
	result = p.maybeRender(ctx, log, req, result)

	metrics.ObserveCrawl(result.URL, strconv.Itoa(result.StatusCode), len(result.Body))
	p.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		TS:          p.clock.Now(),
		Site:        hostOf(result.URL),
		URL:         result.URL,
		Bytes:       int64(len(result.Body)),
		Visits:      1,
		StatusClass: progress.ClassifyStatus(result.StatusCode),
		Dur:         result.Duration,
	})

	if enqueued, err := p.enqueueLinks(ctx, req, result); err != nil {
		log.Warn("enqueue links failed", zap.String("url", req.URL), zap.Error(err))
	} else if enqueued > 0 {
		log.Debug("links enqueued", zap.String("url", req.URL), zap.Int("count", enqueued))
	}

	if _, err := p.provider.MarkRequestHandled(ctx, req); err != nil {
		log.Error("mark handled failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	p.publishResult(ctx, log, req, result)
	log.Debug("request handled",
		zap.String("url", req.URL),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
}

// maybeRender re-runs the fetch through the headless renderer when the
// detector flags the plain response as script-driven. The original result is
// kept if rendering fails.
func (p *Pool) maybeRender(ctx context.Context, log *zap.Logger, req *crawler.Request, result *crawler.FetchResult) *crawler.FetchResult {
	if p.renderer == nil || p.detector == nil {
		return result
	}
	if !p.detector.ShouldPromote(result) {
		return result
	}
	rendered, err := p.renderer.Fetch(ctx, req)
	if err != nil {
		log.Warn("headless render failed, keeping plain fetch",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return result
	}
	log.Debug("promoted to headless render", zap.String("url", req.URL))
	return rendered
}

func (p *Pool) handleFailure(ctx context.Context, log *zap.Logger, req *crawler.Request, fetchErr error) {
	req.PushErrorMessage(fetchErr)
	metrics.ObserveCrawl(req.URL, "error", 0)
	p.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		TS:          p.clock.Now(),
		Site:        hostOf(req.URL),
		URL:         req.URL,
		StatusClass: progress.StatusOther,
		Note:        fetchErr.Error(),
	})

	if req.RetryCount < req.MaxRetryCount() {
		req.RetryCount++
		log.Warn("fetch failed, reclaiming for retry",
			zap.String("url", req.URL),
			zap.Int("retry", req.RetryCount),
			zap.Error(fetchErr),
		)
		if _, err := p.provider.ReclaimRequest(ctx, req, crawler.ReclaimOptions{}); err != nil {
			log.Error("reclaim failed", zap.String("url", req.URL), zap.Error(err))
		}
		return
	}

	log.Error("request failed permanently",
		zap.String("url", req.URL),
		zap.Int("retries", req.RetryCount),
		zap.Error(fetchErr),
	)
	if _, err := p.provider.MarkRequestHandled(ctx, req); err != nil {
		log.Error("mark failed request handled", zap.String("url", req.URL), zap.Error(err))
	}
}

func (p *Pool) enqueueLinks(ctx context.Context, req *crawler.Request, result *crawler.FetchResult) (int, error) {
	if p.enqueuer == nil || len(result.Links) == 0 {
		return 0, nil
	}
	depth := requestDepth(req)
	if p.cfg.MaxDepth > 0 && depth >= p.cfg.MaxDepth {
		return 0, nil
	}

	discovered := make([]*crawler.Request, 0, len(result.Links))
	for _, link := range result.Links {
		if p.blocklist.IsBlocked(hostOf(link)) {
			continue
		}
		child, err := crawler.NewRequest(crawler.RequestOptions{
			URL:      link,
			UserData: map[string]any{"depth": depth + 1},
		})
		if err != nil {
			continue
		}
		discovered = append(discovered, child)
	}
	if len(discovered) == 0 {
		return 0, nil
	}
	res, err := p.enqueuer.AddRequests(ctx, discovered, frontier.AddOptions{})
	if err != nil {
		return 0, err
	}
	added := 0
	for _, info := range res.Processed {
		if !info.WasAlreadyPresent {
			added++
		}
	}
	return added, nil
}

func (p *Pool) publishResult(ctx context.Context, log *zap.Logger, req *crawler.Request, result *crawler.FetchResult) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"url":       result.URL,
		"uniqueKey": req.UniqueKey,
		"status":    result.StatusCode,
		"bytes":     len(result.Body),
		"links":     len(result.Links),
		"rendered":  result.Rendered,
		"timestamp": p.clock.Now().Format(time.RFC3339),
	}
	if digest, err := p.hasher.Hash(result.Body); err == nil {
		payload["digest"] = digest
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		log.Warn("publish result failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func (p *Pool) emit(evt progress.Event) {
	if p.emitter == nil {
		return
	}
	evt.Queue = p.cfg.Queue
	if evt.Queue == "" {
		evt.Queue = "default"
	}
	p.emitter.Emit(evt)
}

func (p *Pool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func requestDepth(req *crawler.Request) int {
	if req.UserData == nil {
		return 0
	}
	switch v := req.UserData["depth"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
