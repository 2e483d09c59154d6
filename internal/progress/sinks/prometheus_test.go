package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{Queue: "main", TS: time.Now(), Stage: progress.StageCrawlStart},
		{
			Queue:       "main",
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       1024,
			Visits:      1,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{Queue: "main", TS: time.Now().Add(15 * time.Second), Stage: progress.StageCrawlDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "crawler_fetch_duration_seconds"))
}

// TestPrometheusSinkTracksRunningCrawls verifies the running gauge pairs start and completion.
func TestPrometheusSinkTracksRunningCrawls(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Queue: "a", TS: time.Now(), Stage: progress.StageCrawlStart},
		{Queue: "b", TS: time.Now(), Stage: progress.StageCrawlStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Queue: "a", TS: time.Now(), Stage: progress.StageCrawlError, Note: "boom"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
}
