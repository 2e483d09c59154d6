// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/clock/system"
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/frontier"
	"github.com/crawlkit/crawlkit/internal/id/uuid"
	"github.com/crawlkit/crawlkit/internal/logging"
	"github.com/crawlkit/crawlkit/internal/progress"
	"github.com/crawlkit/crawlkit/internal/progress/sinks"
	pubpub "github.com/crawlkit/crawlkit/internal/publisher/pubsub"
	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/storage/gcs"
	"github.com/crawlkit/crawlkit/internal/storage/local"
	memstore "github.com/crawlkit/crawlkit/internal/storage/memory"
	"github.com/crawlkit/crawlkit/internal/storage/postgres"
)

// App holds the shared, long-lived services for the process: the logger, the
// frontier manager over the configured storage backend, the optional result
// publisher and the progress hub. It is initialized once at startup and
// handed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	manager   *frontier.Manager
	publisher crawler.Publisher
	hub       *progress.Hub
	clock     crawler.Clock

	closers []func(ctx context.Context) error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager exposes the frontier storage manager.
func (a *App) Manager() *frontier.Manager { return a.manager }

// Publisher returns the configured result publisher, or nil when disabled.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// Hub returns the progress hub; it is always non-nil.
func (a *App) Hub() *progress.Hub { return a.hub }

// Clock returns the shared wall clock.
func (a *App) Clock() crawler.Clock { return a.clock }

// New builds the service container from configuration. It fails fast when a
// critical backend cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("Initializing services",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("kv_storage", cfg.Storage.KVProvider),
	)

	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	kvFactory, err := a.buildKVFactory(ctx)
	if err != nil {
		return nil, err
	}
	manager, err := frontier.NewManager(frontier.ManagerOptions{
		QueueClients: a.buildQueueFactory(),
		KVClients:    kvFactory,
		Logger:       logger,
		Clock:        a.clock,
		QueueDefaults: frontier.RequestQueueOptions{
			StorageConsistencyDelay: cfg.StorageConsistencyDelay(),
			ProcessedRequestsDelay:  cfg.ProcessedRequestsDelay(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init frontier manager: %w", err)
	}
	a.manager = manager

	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.initProgressHub(ctx); err != nil {
		return nil, err
	}

	logger.Info("Services initialized")
	return a, nil
}

// Close shuts down services in reverse initialization order.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("Error closing progress hub", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Error closing publisher", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Error closing service", zap.Error(err))
		}
	}
	// Best effort: stderr sync fails on some platforms.
	_ = a.logger.Sync()
}

func (a *App) buildQueueFactory() frontier.QueueClientFactory {
	switch a.cfg.Storage.Provider {
	case config.ProviderPostgres:
		pg := a.cfg.Storage.Postgres
		gen := uuid.NewUUIDGenerator()
		return func(ctx context.Context, name string) (storage.RequestQueueClient, error) {
			clientID, err := gen.NewID()
			if err != nil {
				return nil, err
			}
			return postgres.NewRequestStore(ctx, postgres.RequestStoreConfig{
				DSN:       pg.DSN,
				QueueName: name,
				ClientID:  clientID,
				MaxConns:  int32(pg.MaxConns),
				MinConns:  int32(pg.MinConns),
			})
		}
	default:
		stores := make(map[string]*memstore.RequestStore)
		return func(_ context.Context, name string) (storage.RequestQueueClient, error) {
			if store, ok := stores[name]; ok {
				return store, nil
			}
			store := memstore.NewRequestStore(memstore.RequestStoreOptions{Clock: a.clock})
			stores[name] = store
			return store, nil
		}
	}
}

func (a *App) buildKVFactory(ctx context.Context) (frontier.KVClientFactory, error) {
	switch a.cfg.Storage.KVProvider {
	case config.ProviderLocal:
		baseDir := a.cfg.Storage.Local.BaseDir
		return func(_ context.Context, name string) (storage.KeyValueClient, error) {
			return local.New(local.Config{BaseDir: baseDir + "/" + name})
		}, nil
	case config.ProviderGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			return client.Close()
		})
		bucket := a.cfg.Storage.GCS.Bucket
		prefix := a.cfg.Storage.GCS.Prefix
		return func(_ context.Context, name string) (storage.KeyValueClient, error) {
			return gcs.New(client, gcs.Config{
				Bucket: bucket,
				Prefix: prefix + "/" + name,
			})
		}, nil
	default:
		stores := make(map[string]*memstore.KVStore)
		return func(_ context.Context, name string) (storage.KeyValueClient, error) {
			if kv, ok := stores[name]; ok {
				return kv, nil
			}
			kv := memstore.NewKVStore()
			stores[name] = kv
			return kv, nil
		}, nil
	}
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		return nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.logger.Info("Connected to Pub/Sub", zap.String("topic", a.cfg.PubSub.Topic))
	a.publisher = pubpub.New(client)
	return nil
}

func (a *App) initProgressHub(ctx context.Context) error {
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger)}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	kv, err := a.manager.OpenKeyValueStore(ctx, "progress")
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	sinkList = append(sinkList, sinks.NewStoreSink(kv, a.logger))

	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinkList...)
	return nil
}
