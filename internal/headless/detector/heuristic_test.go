package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawlkit/internal/crawler"
)

func TestHeuristicShouldPromoteEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(&crawler.FetchResult{
		StatusCode: 200,
		Body:       []byte(""),
	}))
}

func TestHeuristicShouldPromoteSPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(&crawler.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<div id="__next"></div>`),
	}))
}

func TestHeuristicShouldPromoteScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.ShouldPromote(&crawler.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}))
}

func TestHeuristicDisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(&crawler.FetchResult{
		StatusCode: 404,
		Body:       []byte("not found"),
	}))
}

func TestHeuristicSkipsRenderedResults(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(&crawler.FetchResult{
		StatusCode: 200,
		Rendered:   true,
	}))
	require.False(t, h.ShouldPromote(nil))
}
