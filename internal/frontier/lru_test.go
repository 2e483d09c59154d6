package frontier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUSetEvictsOldest(t *testing.T) {
	s := newLRUSet(2)

	require.False(t, s.add("a"))
	require.False(t, s.add("b"))
	require.True(t, s.add("a"))

	// a was touched last, so adding c evicts b.
	require.False(t, s.add("c"))
	require.Equal(t, 2, s.len())
	require.True(t, s.has("a"))
	require.False(t, s.has("b"))
	require.True(t, s.has("c"))

	s.clear()
	require.Zero(t, s.len())
	require.False(t, s.has("a"))
}

func TestLRUSetMinimumCapacity(t *testing.T) {
	s := newLRUSet(0)
	s.add("a")
	s.add("b")
	require.Equal(t, 1, s.len())
	require.True(t, s.has("b"))
}

func TestLRUCacheGetPut(t *testing.T) {
	c := newLRUCache(2)

	_, ok := c.get("missing")
	require.False(t, ok)

	c.put("a", cachedRequest{id: "id-a"})
	c.put("b", cachedRequest{id: "id-b"})

	got, ok := c.get("a")
	require.True(t, ok)
	require.Equal(t, "id-a", got.id)
	require.False(t, got.isHandled)

	// Updating an existing key changes the value without growing the cache.
	c.put("a", cachedRequest{id: "id-a", isHandled: true})
	require.Equal(t, 2, c.len())
	got, ok = c.get("a")
	require.True(t, ok)
	require.True(t, got.isHandled)
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", cachedRequest{id: "id-a"})
	c.put("b", cachedRequest{id: "id-b"})

	_, ok := c.get("a")
	require.True(t, ok)

	c.put("c", cachedRequest{id: "id-c"})
	require.Equal(t, 2, c.len())
	_, ok = c.get("b")
	require.False(t, ok)
	_, ok = c.get("a")
	require.True(t, ok)

	c.clear()
	require.Zero(t, c.len())
}
