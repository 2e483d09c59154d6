package frontier

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// QueueClientFactory opens the backing-store client for a named queue.
type QueueClientFactory func(ctx context.Context, name string) (storage.RequestQueueClient, error)

// KVClientFactory opens the key-value client for a named store.
type KVClientFactory func(ctx context.Context, name string) (storage.KeyValueClient, error)

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	QueueClients QueueClientFactory
	KVClients    KVClientFactory
	Logger       *zap.Logger
	Clock        crawler.Clock

	// QueueDefaults are applied to every queue the manager opens; Name and
	// Client are filled in per queue.
	QueueDefaults RequestQueueOptions
}

// Manager opens and caches named storage handles. It is an explicit
// dependency passed through the crawl run rather than a process-global.
type Manager struct {
	opts ManagerOptions
	log  *zap.Logger

	mu     sync.Mutex
	queues map[string]*RequestQueue
	kvs    map[string]storage.KeyValueClient
}

// NewManager builds a Manager from client factories.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.QueueClients == nil {
		return nil, fmt.Errorf("queue client factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		log:    logger,
		queues: make(map[string]*RequestQueue),
		kvs:    make(map[string]storage.KeyValueClient),
	}, nil
}

// OpenRequestQueue returns the cached queue handle for name, opening it on
// first use.
func (m *Manager) OpenRequestQueue(ctx context.Context, name string) (*RequestQueue, error) {
	m.mu.Lock()
	if q, ok := m.queues[name]; ok {
		m.mu.Unlock()
		return q, nil
	}
	m.mu.Unlock()

	client, err := m.opts.QueueClients(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open queue client %q: %w", name, err)
	}
	queueOpts := m.opts.QueueDefaults
	queueOpts.Name = name
	queueOpts.Client = client
	if queueOpts.Logger == nil {
		queueOpts.Logger = m.log
	}
	if queueOpts.Clock == nil {
		queueOpts.Clock = m.opts.Clock
	}
	queue, err := NewRequestQueue(queueOpts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have raced us; keep the first handle.
	if existing, ok := m.queues[name]; ok {
		return existing, nil
	}
	m.queues[name] = queue
	return queue, nil
}

// OpenKeyValueStore returns the cached key-value handle for name.
func (m *Manager) OpenKeyValueStore(ctx context.Context, name string) (storage.KeyValueClient, error) {
	if m.opts.KVClients == nil {
		return nil, fmt.Errorf("no key-value client factory configured")
	}
	m.mu.Lock()
	if kv, ok := m.kvs[name]; ok {
		m.mu.Unlock()
		return kv, nil
	}
	m.mu.Unlock()

	kv, err := m.opts.KVClients(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open key-value client %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.kvs[name]; ok {
		return existing, nil
	}
	m.kvs[name] = kv
	return kv, nil
}

// DropRequestQueue deletes the remote queue and evicts the cached handle.
func (m *Manager) DropRequestQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	queue, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("request queue %q is not open", name)
	}
	if err := queue.Drop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
	m.log.Info("Dropped request queue", zap.String("queue", name))
	return nil
}
