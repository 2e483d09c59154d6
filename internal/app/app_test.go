// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/app"
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/frontier"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryBackends(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Manager())
	require.NotNil(t, a.Hub())
	require.NotNil(t, a.Clock())
	require.Nil(t, a.Publisher())
}

func TestManagerReusesQueueHandles(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer a.Close(ctx)

	first, err := a.Manager().OpenRequestQueue(ctx, "reuse")
	require.NoError(t, err)
	second, err := a.Manager().OpenRequestQueue(ctx, "reuse")
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestQueueRoundTripThroughApp(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer a.Close(ctx)

	queue, err := a.Manager().OpenRequestQueue(ctx, "roundtrip")
	require.NoError(t, err)

	req, err := crawler.NewRequest(crawler.RequestOptions{URL: "https://example.com/"})
	require.NoError(t, err)
	info, err := queue.AddRequest(ctx, req, frontier.AddOptions{})
	require.NoError(t, err)
	require.False(t, info.WasAlreadyPresent)

	dup, err := crawler.NewRequest(crawler.RequestOptions{URL: "https://example.com/"})
	require.NoError(t, err)
	dupInfo, err := queue.AddRequest(ctx, dup, frontier.AddOptions{})
	require.NoError(t, err)
	require.True(t, dupInfo.WasAlreadyPresent)
	require.Equal(t, info.RequestID, dupInfo.RequestID)
}
