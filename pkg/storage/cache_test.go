package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCache(t *testing.T) {
	cache, err := NewInMemoryLRUCache[string](WithMaxCacheSize[string](100))
	require.NoError(t, err)
	t.Cleanup(cache.Stop)

	t.Run("set_and_get", func(t *testing.T) {
		cache.Set("key", "value", 10*time.Second)
		result, ok := cache.Get("key")
		require.True(t, ok)
		require.Equal(t, "value", result)
	})

	t.Run("missing_key", func(t *testing.T) {
		_, ok := cache.Get("missing")
		require.False(t, ok)
	})

	t.Run("no_ttl", func(t *testing.T) {
		cache.Set("forever", "value", 0)
		result, ok := cache.Get("forever")
		require.True(t, ok)
		require.Equal(t, "value", result)
	})

	t.Run("delete", func(t *testing.T) {
		cache.Set("gone", "value", time.Minute)
		cache.Delete("gone")
		_, ok := cache.Get("gone")
		require.False(t, ok)
	})

	t.Run("stop_multiple_times", func(t *testing.T) {
		c, err := NewInMemoryLRUCache[int]()
		require.NoError(t, err)

		c.Stop()
		c.Stop()
	})
}
