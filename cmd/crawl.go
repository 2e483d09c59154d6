package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/crawler"
	collyfetcher "github.com/crawlkit/crawlkit/internal/fetcher/colly"
	"github.com/crawlkit/crawlkit/internal/fetcher/headless"
	"github.com/crawlkit/crawlkit/internal/frontier"
	"github.com/crawlkit/crawlkit/internal/headless/detector"
	"github.com/crawlkit/crawlkit/internal/policy/ratelimit"
	"github.com/crawlkit/crawlkit/internal/worker"
)

type crawlFlags struct {
	queue    string
	seeds    []string
	listURL  string
	maxDepth int
}

// newCrawlCmd creates and configures the 'crawl' subcommand. It drains the
// chosen frontier with a worker pool, optionally seeding it first.
func newCrawlCmd() *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl [urls...]",
		Short: "Runs a crawl over a frontier queue",
		Long: `Seeds the frontier with the given URLs (or a remote URL list) and
runs concurrent workers until the frontier is drained. Discovered links are
fed back into the queue, deduplicated by uniqueKey.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			flags.seeds = append(flags.seeds, args...)
			return runCrawlCommand(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.queue, "queue", "", "frontier queue name (defaults to config)")
	cmd.Flags().StringSliceVar(&flags.seeds, "seed", nil, "seed URL (repeatable)")
	cmd.Flags().StringVar(&flags.listURL, "url-list", "", "remote text file of URLs to crawl as a static list")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", -1, "override configured max crawl depth")
	return cmd
}

func runCrawlCommand(ctx context.Context, flags *crawlFlags) error {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	queueName := flags.queue
	if queueName == "" {
		queueName = cfg.Frontier.DefaultQueue
	}
	maxDepth := cfg.Crawler.MaxDepth
	if flags.maxDepth >= 0 {
		maxDepth = flags.maxDepth
	}

	queue, err := appInstance.Manager().OpenRequestQueue(ctx, queueName)
	if err != nil {
		return fmt.Errorf("open queue %q: %w", queueName, err)
	}

	var provider crawler.RequestProvider = queue
	var enqueuer worker.Enqueuer = queue
	var persister *frontier.StatePersister

	if flags.listURL != "" {
		list, err := buildRequestList(ctx, appInstance, queueName, flags.listURL)
		if err != nil {
			return err
		}
		provider = list
		enqueuer = nil
		persister = frontier.NewStatePersister(list, cfg.PersistStateInterval(), logger)
		persister.Start(ctx)
		defer persister.Stop(context.Background())
	} else if err := seedQueue(ctx, queue, flags.seeds); err != nil {
		return err
	}

	pool, err := buildPool(appInstance, provider, enqueuer, queueName, maxDepth)
	if err != nil {
		return err
	}

	logger.Info("Starting crawl",
		zap.String("queue", queueName),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("Crawl finished", zap.String("queue", queueName))
	return nil
}

func seedQueue(ctx context.Context, queue *frontier.RequestQueue, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	reqs := make([]*crawler.Request, 0, len(seeds))
	for _, seed := range seeds {
		req, err := crawler.NewRequest(crawler.RequestOptions{URL: seed})
		if err != nil {
			return fmt.Errorf("invalid seed %q: %w", seed, err)
		}
		reqs = append(reqs, req)
	}
	res, err := queue.AddRequests(ctx, reqs, frontier.AddOptions{})
	if err != nil {
		return fmt.Errorf("seed queue: %w", err)
	}
	if len(res.Unprocessed) > 0 {
		return fmt.Errorf("%d seed requests were rejected by the store", len(res.Unprocessed))
	}
	return nil
}

func buildRequestList(ctx context.Context, appInstance App, queueName, listURL string) (*frontier.RequestList, error) {
	kv, err := appInstance.Manager().OpenKeyValueStore(ctx, "request-lists")
	if err != nil {
		return nil, fmt.Errorf("open list state store: %w", err)
	}
	list, err := frontier.NewRequestList(frontier.RequestListOptions{
		Sources:           []frontier.Source{{RequestsFromURL: listURL}},
		PersistStateKey:   queueName + "-state",
		PersistSourcesKey: queueName + "-sources",
		KV:                kv,
		Logger:            appInstance.Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("build request list: %w", err)
	}
	if err := list.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize request list: %w", err)
	}
	return list, nil
}

func buildPool(appInstance App, provider crawler.RequestProvider, enqueuer worker.Enqueuer, queueName string, maxDepth int) (*worker.Pool, error) {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		ExtractLinks:  cfg.Crawler.ExtractLinks,
	})

	var renderer crawler.Fetcher
	var promote worker.Detector
	if cfg.Crawler.Headless {
		chromeFetcher, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Crawler.HeadlessParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.FetchTimeout(),
			ExtractLinks:      cfg.Crawler.ExtractLinks,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		renderer = chromeFetcher
		promote = detector.NewHeuristic(0)
	}

	var limiter worker.Limiter
	if cfg.Crawler.RateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.RateLimitRPS,
			DefaultBurst: cfg.Crawler.RateLimitBurst,
		})
	}

	topic := ""
	if cfg.PubSub.Enabled {
		topic = cfg.PubSub.Topic
	}

	return worker.New(worker.Options{
		Provider:  provider,
		Enqueuer:  enqueuer,
		Fetcher:   fetcher,
		Renderer:  renderer,
		Detector:  promote,
		Limiter:   limiter,
		Blocklist: worker.NewBlocklist(cfg.Crawler.BlockedDomains),
		Publisher: appInstance.Publisher(),
		Emitter:   appInstance.Hub(),
		Clock:     appInstance.Clock(),
		Logger:    logger,
		Config: worker.Config{
			Queue:        queueName,
			Concurrency:  cfg.Crawler.Concurrency,
			PollInterval: cfg.PollInterval(),
			Topic:        topic,
			MaxDepth:     maxDepth,
		},
	})
}
