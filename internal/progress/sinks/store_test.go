package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/progress"
	memstore "github.com/crawlkit/crawlkit/internal/storage/memory"
)

// TestStoreSinkPersistsEvents ensures visits/bytes are collapsed per site before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	kv := memstore.NewKVStore()
	sink := NewStoreSink(kv, nil)
	now := time.Now().UTC().Truncate(time.Second)

	batch := []progress.Event{
		{Queue: "main", Stage: progress.StageCrawlStart, TS: now},
		{
			Queue:       "main",
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			StatusClass: progress.Status2xx,
			Bytes:       100,
			Visits:      1,
			TS:          now.Add(time.Second),
		},
		{
			Queue:       "main",
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			StatusClass: progress.Status2xx,
			Bytes:       250,
			Visits:      1,
			TS:          now.Add(2 * time.Second),
		},
		{
			Queue:       "main",
			Stage:       progress.StageFetchDone,
			Site:        "other.org",
			StatusClass: progress.Status4xx,
			Visits:      1,
			TS:          now.Add(3 * time.Second),
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	snap, err := sink.Snapshot(context.Background(), "main")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "main", snap.Queue)
	require.Equal(t, int64(3), snap.Visits)
	require.Equal(t, int64(350), snap.Bytes)
	require.Equal(t, int64(2), snap.Sites["example.com"].Visits)
	require.Equal(t, int64(350), snap.Sites["example.com"].Bytes)
	require.Equal(t, int64(2), snap.Sites["example.com"].Statuses["2xx"])
	require.Equal(t, int64(1), snap.Sites["other.org"].Statuses["4xx"])
	require.Empty(t, snap.Result)
}

// TestStoreSinkMergesAcrossBatches checks a later batch extends the stored snapshot.
func TestStoreSinkMergesAcrossBatches(t *testing.T) {
	t.Parallel()

	kv := memstore.NewKVStore()
	sink := NewStoreSink(kv, nil)
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Queue: "q", Stage: progress.StageCrawlStart, TS: now},
		{Queue: "q", Stage: progress.StageFetchDone, Site: "a.com", StatusClass: progress.Status2xx, Visits: 1, Bytes: 10, TS: now},
	}))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Queue: "q", Stage: progress.StageFetchDone, Site: "a.com", StatusClass: progress.Status2xx, Visits: 1, Bytes: 20, TS: now.Add(time.Second)},
		{Queue: "q", Stage: progress.StageCrawlDone, TS: now.Add(2 * time.Second), Dur: 2 * time.Second},
	}))

	snap, err := sink.Snapshot(context.Background(), "q")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(2), snap.Visits)
	require.Equal(t, int64(30), snap.Bytes)
	require.Equal(t, "success", snap.Result)
	require.False(t, snap.FinishedAt.IsZero())
}

// TestStoreSinkErrorStage records the failure note on the snapshot.
func TestStoreSinkErrorStage(t *testing.T) {
	t.Parallel()

	kv := memstore.NewKVStore()
	sink := NewStoreSink(kv, nil)
	now := time.Now().UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Queue: "q", Stage: progress.StageCrawlStart, TS: now},
		{Queue: "q", Stage: progress.StageCrawlError, TS: now.Add(time.Second), Note: "fetch budget exhausted"},
	}))

	snap, err := sink.Snapshot(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, "error", snap.Result)
	require.Equal(t, "fetch budget exhausted", snap.Note)
}

// TestStoreSinkMissingSnapshot returns nil without error for unknown queues.
func TestStoreSinkMissingSnapshot(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(memstore.NewKVStore(), nil)
	snap, err := sink.Snapshot(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, snap)
}
