package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawlkit/internal/progress"
	"github.com/crawlkit/crawlkit/internal/storage"
)

// CrawlSnapshot is the durable per-queue progress record kept in the
// key-value store. It survives restarts so operators can inspect what a
// crawl accomplished after the fact.
type CrawlSnapshot struct {
	Queue       string               `json:"queue"`
	StartedAt   time.Time            `json:"startedAt,omitempty"`
	FinishedAt  time.Time            `json:"finishedAt,omitempty"`
	Result      string               `json:"result,omitempty"`
	Note        string               `json:"note,omitempty"`
	Visits      int64                `json:"visits"`
	Bytes       int64                `json:"bytes"`
	Sites       map[string]SiteStats `json:"sites,omitempty"`
	LastEventAt time.Time            `json:"lastEventAt"`
}

// SiteStats aggregates fetch completions for one host within a crawl.
type SiteStats struct {
	Visits   int64            `json:"visits"`
	Bytes    int64            `json:"bytes"`
	Statuses map[string]int64 `json:"statuses,omitempty"`
}

// StoreSink persists crawl progress snapshots via a storage.KeyValueClient.
// Each queue gets one JSON record that is read, merged, and rewritten per
// batch, which keeps write amplification bounded by the hub's batch size.
type StoreSink struct {
	kv     storage.KeyValueClient
	logger *zap.Logger

	mu sync.Mutex
}

// NewStoreSink constructs a StoreSink for the provided key-value client.
func NewStoreSink(kv storage.KeyValueClient, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{kv: kv, logger: logger}
}

// Consume merges the batch into per-queue snapshots and writes them back.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.kv == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make(map[string]*CrawlSnapshot)
	for _, evt := range batch {
		snap, err := s.snapshotFor(ctx, snapshots, evt.Queue)
		if err != nil {
			return err
		}
		applyEvent(snap, evt)
	}

	for queue, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal crawl snapshot: %w", err)
		}
		if err := s.kv.SetValue(ctx, snapshotKey(queue), data, "application/json"); err != nil {
			return fmt.Errorf("persist crawl snapshot: %w", err)
		}
	}
	return nil
}

// Snapshot loads the persisted record for a queue, or nil when absent.
func (s *StoreSink) Snapshot(ctx context.Context, queue string) (*CrawlSnapshot, error) {
	if s == nil || s.kv == nil {
		return nil, nil
	}
	return loadSnapshot(ctx, s.kv, queue)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func (s *StoreSink) snapshotFor(ctx context.Context, cache map[string]*CrawlSnapshot, queue string) (*CrawlSnapshot, error) {
	if snap, ok := cache[queue]; ok {
		return snap, nil
	}
	snap, err := loadSnapshot(ctx, s.kv, queue)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &CrawlSnapshot{Queue: queue}
	}
	cache[queue] = snap
	return snap, nil
}

func loadSnapshot(ctx context.Context, kv storage.KeyValueClient, queue string) (*CrawlSnapshot, error) {
	data, err := kv.GetValue(ctx, snapshotKey(queue))
	if err != nil {
		return nil, fmt.Errorf("load crawl snapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var snap CrawlSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode crawl snapshot: %w", err)
	}
	return &snap, nil
}

func applyEvent(snap *CrawlSnapshot, evt progress.Event) {
	if evt.TS.After(snap.LastEventAt) {
		snap.LastEventAt = evt.TS
	}
	switch evt.Stage {
	case progress.StageCrawlStart:
		snap.StartedAt = evt.TS
		snap.FinishedAt = time.Time{}
		snap.Result = ""
		snap.Note = ""
	case progress.StageCrawlDone:
		snap.FinishedAt = evt.TS
		snap.Result = "success"
	case progress.StageCrawlError:
		snap.FinishedAt = evt.TS
		snap.Result = "error"
		snap.Note = evt.Note
	case progress.StageFetchDone:
		snap.Visits += evt.Visits
		snap.Bytes += evt.Bytes
		recordSite(snap, evt)
	}
}

func recordSite(snap *CrawlSnapshot, evt progress.Event) {
	if evt.Site == "" {
		return
	}
	if snap.Sites == nil {
		snap.Sites = make(map[string]SiteStats)
	}
	stats := snap.Sites[evt.Site]
	stats.Visits += evt.Visits
	stats.Bytes += evt.Bytes
	if evt.StatusClass != "" {
		if stats.Statuses == nil {
			stats.Statuses = make(map[string]int64)
		}
		stats.Statuses[string(evt.StatusClass)]++
	}
	snap.Sites[evt.Site] = stats
}

func snapshotKey(queue string) string {
	return "progress/" + queue + ".json"
}
