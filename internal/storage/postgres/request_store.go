// Package postgres provides a Postgres-backed request queue store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// RequestStoreConfig controls the Postgres connection pool.
type RequestStoreConfig struct {
	DSN             string
	QueueName       string
	ClientID        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the pool subset the store needs; pgxmock satisfies it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	insertRequestSQL = `
INSERT INTO frontier_requests (queue_name, id, unique_key, order_no, handled_at, data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (queue_name, unique_key) DO NOTHING`

	selectExistingSQL = `
SELECT id, handled_at FROM frontier_requests WHERE queue_name = $1 AND unique_key = $2`

	selectRequestSQL = `
SELECT data FROM frontier_requests WHERE queue_name = $1 AND id = $2`

	selectHandledSQL = `
SELECT handled_at FROM frontier_requests WHERE queue_name = $1 AND id = $2`

	updateRequestSQL = `
UPDATE frontier_requests
SET data = $3, handled_at = $4, order_no = COALESCE($5, order_no)
WHERE queue_name = $1 AND id = $2`

	listHeadSQL = `
SELECT id, unique_key FROM frontier_requests
WHERE queue_name = $1 AND handled_at IS NULL
ORDER BY order_no ASC
LIMIT $2`

	selectQueueSQL = `
SELECT q.modified_at,
       (SELECT COUNT(*) FROM frontier_queue_clients c WHERE c.queue_name = q.name)
FROM frontier_queues q WHERE q.name = $1`

	touchQueueSQL = `
INSERT INTO frontier_queues (name, modified_at) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET modified_at = EXCLUDED.modified_at`

	registerClientSQL = `
INSERT INTO frontier_queue_clients (queue_name, client_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`

	metadataSQL = `
SELECT COUNT(*), COUNT(handled_at) FROM frontier_requests WHERE queue_name = $1`

	dropRequestsSQL = `DELETE FROM frontier_requests WHERE queue_name = $1`
	dropClientsSQL  = `DELETE FROM frontier_queue_clients WHERE queue_name = $1`
	dropQueueSQL    = `DELETE FROM frontier_queues WHERE name = $1`

	schemaSQL = `
CREATE TABLE IF NOT EXISTS frontier_queues (
	name        TEXT PRIMARY KEY,
	modified_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS frontier_queue_clients (
	queue_name TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	PRIMARY KEY (queue_name, client_id)
);
CREATE TABLE IF NOT EXISTS frontier_requests (
	queue_name TEXT NOT NULL,
	id         TEXT NOT NULL,
	unique_key TEXT NOT NULL,
	order_no   BIGINT NOT NULL,
	handled_at TIMESTAMPTZ,
	data       JSONB NOT NULL,
	PRIMARY KEY (queue_name, unique_key)
);
CREATE UNIQUE INDEX IF NOT EXISTS frontier_requests_id_idx
	ON frontier_requests (queue_name, id);
CREATE INDEX IF NOT EXISTS frontier_requests_head_idx
	ON frontier_requests (queue_name, order_no) WHERE handled_at IS NULL`
)

// RequestStore implements storage.RequestQueueClient on Postgres. Writes are
// immediately consistent here, so the frontier's recovery paths are idle; the
// interface contract is the same as for lagging stores.
type RequestStore struct {
	pool     pgxPool
	queue    string
	clientID string
}

// NewRequestStore connects a pool and registers this client against the
// queue so the store can report multi-client access.
func NewRequestStore(ctx context.Context, cfg RequestStoreConfig) (*RequestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &RequestStore{pool: pool, queue: cfg.QueueName, clientID: cfg.ClientID}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.registerClient(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRequestStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRequestStoreWithPool(pool pgxPool, queueName, clientID string) (*RequestStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &RequestStore{pool: pool, queue: queueName, clientID: clientID}, nil
}

// EnsureSchema creates the frontier tables when absent.
func (s *RequestStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure frontier schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RequestStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *RequestStore) registerClient(ctx context.Context) error {
	if s.clientID == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, registerClientSQL, s.queue, s.clientID); err != nil {
		return fmt.Errorf("register queue client: %w", err)
	}
	return nil
}

// AddRequest inserts the request unless the uniqueKey is taken; duplicate
// adds report the original identity.
func (s *RequestStore) AddRequest(ctx context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error) {
	if req == nil || req.UniqueKey == "" {
		return crawler.QueueOperationInfo{}, fmt.Errorf("request with a unique key is required")
	}
	id := crawler.UniqueKeyToRequestID(req.UniqueKey)
	stored := *req
	stored.ID = id
	data, err := json.Marshal(&stored)
	if err != nil {
		return crawler.QueueOperationInfo{}, fmt.Errorf("marshal request: %w", err)
	}

	tag, err := s.pool.Exec(ctx, insertRequestSQL,
		s.queue, id, req.UniqueKey, orderNo(forefront), req.HandledAt, data)
	if err != nil {
		return crawler.QueueOperationInfo{}, fmt.Errorf("insert request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var existingID string
		var handledAt *time.Time
		if err := s.pool.QueryRow(ctx, selectExistingSQL, s.queue, req.UniqueKey).Scan(&existingID, &handledAt); err != nil {
			return crawler.QueueOperationInfo{}, fmt.Errorf("select existing request: %w", err)
		}
		return crawler.QueueOperationInfo{
			RequestID:         existingID,
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: handledAt != nil,
		}, nil
	}
	if err := s.touch(ctx); err != nil {
		return crawler.QueueOperationInfo{}, err
	}
	return crawler.QueueOperationInfo{
		RequestID:         id,
		UniqueKey:         req.UniqueKey,
		WasAlreadyHandled: req.HandledAt != nil,
	}, nil
}

// BatchAddRequests inserts requests one by one inside the pool; inputs that
// fail validation are reported as unprocessed.
func (s *RequestStore) BatchAddRequests(ctx context.Context, reqs []*crawler.Request, forefront bool) (storage.BatchAddResult, error) {
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
		info, err := s.AddRequest(ctx, req, forefront)
		if err != nil {
			return storage.BatchAddResult{}, err
		}
		result.Processed = append(result.Processed, info)
	}
	return result, nil
}

// GetRequest returns the stored request, or nil when the id is unknown.
func (s *RequestStore) GetRequest(ctx context.Context, id string) (*crawler.Request, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, selectRequestSQL, s.queue, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select request: %w", err)
	}
	var req crawler.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// UpdateRequest overwrites the request's mutable fields, optionally moving
// it to the queue front.
func (s *RequestStore) UpdateRequest(ctx context.Context, req *crawler.Request, forefront bool) (crawler.QueueOperationInfo, error) {
	if req == nil || req.ID == "" {
		return crawler.QueueOperationInfo{}, fmt.Errorf("request with an id is required")
	}
	var previousHandledAt *time.Time
	err := s.pool.QueryRow(ctx, selectHandledSQL, s.queue, req.ID).Scan(&previousHandledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.QueueOperationInfo{}, storage.ErrQueueNotFound
	}
	if err != nil {
		return crawler.QueueOperationInfo{}, fmt.Errorf("select request state: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return crawler.QueueOperationInfo{}, fmt.Errorf("marshal request: %w", err)
	}
	var newOrder *int64
	if forefront {
		order := orderNo(true)
		newOrder = &order
	}
	if _, err := s.pool.Exec(ctx, updateRequestSQL, s.queue, req.ID, data, req.HandledAt, newOrder); err != nil {
		return crawler.QueueOperationInfo{}, fmt.Errorf("update request: %w", err)
	}
	if err := s.touch(ctx); err != nil {
		return crawler.QueueOperationInfo{}, err
	}
	return crawler.QueueOperationInfo{
		RequestID:         req.ID,
		UniqueKey:         req.UniqueKey,
		WasAlreadyPresent: true,
		WasAlreadyHandled: previousHandledAt != nil,
	}, nil
}

// ListHead returns up to limit pending requests in queue order.
func (s *RequestStore) ListHead(ctx context.Context, limit int) (storage.QueueHead, error) {
	head := storage.QueueHead{}

	var modifiedAt time.Time
	var clientCount int
	err := s.pool.QueryRow(ctx, selectQueueSQL, s.queue).Scan(&modifiedAt, &clientCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storage.QueueHead{}, fmt.Errorf("select queue metadata: %w", err)
	}
	head.QueueModifiedAt = modifiedAt
	head.HadMultipleClients = clientCount > 1

	rows, err := s.pool.Query(ctx, listHeadSQL, s.queue, limit)
	if err != nil {
		return storage.QueueHead{}, fmt.Errorf("list queue head: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item storage.QueueHeadItem
		if err := rows.Scan(&item.ID, &item.UniqueKey); err != nil {
			return storage.QueueHead{}, fmt.Errorf("scan head item: %w", err)
		}
		head.Items = append(head.Items, item)
	}
	if err := rows.Err(); err != nil {
		return storage.QueueHead{}, fmt.Errorf("iterate queue head: %w", err)
	}
	return head, nil
}

// Metadata returns request counts for the queue.
func (s *RequestStore) Metadata(ctx context.Context) (storage.QueueMetadata, error) {
	var total, handled int
	if err := s.pool.QueryRow(ctx, metadataSQL, s.queue).Scan(&total, &handled); err != nil {
		return storage.QueueMetadata{}, fmt.Errorf("select queue counts: %w", err)
	}
	var modifiedAt time.Time
	var clientCount int
	err := s.pool.QueryRow(ctx, selectQueueSQL, s.queue).Scan(&modifiedAt, &clientCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storage.QueueMetadata{}, fmt.Errorf("select queue metadata: %w", err)
	}
	return storage.QueueMetadata{
		TotalRequestCount:   total,
		HandledRequestCount: handled,
		PendingRequestCount: total - handled,
		ModifiedAt:          modifiedAt,
	}, nil
}

// Drop deletes the queue and all its requests.
func (s *RequestStore) Drop(ctx context.Context) error {
	for _, sql := range []string{dropRequestsSQL, dropClientsSQL, dropQueueSQL} {
		if _, err := s.pool.Exec(ctx, sql, s.queue); err != nil {
			return fmt.Errorf("drop queue: %w", err)
		}
	}
	return nil
}

func (s *RequestStore) touch(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, touchQueueSQL, s.queue, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch queue: %w", err)
	}
	return nil
}

// orderNo produces a monotonic queue position; forefront entries sort before
// everything inserted so far by negating the timestamp.
func orderNo(forefront bool) int64 {
	n := time.Now().UnixNano()
	if forefront {
		return -n
	}
	return n
}
