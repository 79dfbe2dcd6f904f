package storagewrappers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/openfga/kvrel/internal/mocks"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/memory"
	"github.com/openfga/kvrel/pkg/storage/test"
)

func newCache(t *testing.T) storage.InMemoryCache[[]byte] {
	t.Helper()
	cache, err := storage.NewInMemoryLRUCache[[]byte](storage.WithMaxCacheSize[[]byte](1000))
	require.NoError(t, err)
	return cache
}

func TestCachedKVStoreConformance(t *testing.T) {
	ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestCachedKVStoreGet(t *testing.T) {
	ctx := context.Background()

	t.Run("second_read_served_from_cache", func(t *testing.T) {
		inner := NewInstrumentedKVStore(memory.New(), "cached-hit")
		ds := NewCachedKVStore(inner, newCache(t), time.Minute)
		defer ds.Close()

		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v")))

		for range 3 {
			v, err := ds.Get(ctx, []byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v"), v)
		}

		require.Equal(t, uint32(1), inner.GetMetrics().DatastoreReadCount)
	})

	t.Run("returned_value_is_a_copy", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()

		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v")))
		v, err := ds.Get(ctx, []byte("k"))
		require.NoError(t, err)
		v[0] = 'x'

		v, err = ds.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
	})

	t.Run("not_found_is_not_cached", func(t *testing.T) {
		inner := NewInstrumentedKVStore(memory.New(), "cached-miss")
		ds := NewCachedKVStore(inner, newCache(t), time.Minute)
		defer ds.Close()

		for range 2 {
			_, err := ds.Get(ctx, []byte("missing"))
			require.ErrorIs(t, err, storage.ErrNotFound)
		}
		require.Equal(t, uint32(2), inner.GetMetrics().DatastoreReadCount)
	})

	t.Run("empty_key", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()

		_, err := ds.Get(ctx, nil)
		require.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("concurrent_reads", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()
		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v")))

		var g errgroup.Group
		for range 50 {
			g.Go(func() error {
				v, err := ds.Get(ctx, []byte("k"))
				if err != nil {
					return err
				}
				if string(v) != "v" {
					return fmt.Errorf("unexpected value %q", v)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
	})
}

func TestCachedKVStoreInvalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("put", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()

		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v1")))
		_, err := ds.Get(ctx, []byte("k"))
		require.NoError(t, err)

		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v2")))
		v, err := ds.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), v)
	})

	t.Run("delete", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()

		require.NoError(t, ds.Put(ctx, []byte("k"), []byte("v1")))
		_, err := ds.Get(ctx, []byte("k"))
		require.NoError(t, err)

		require.NoError(t, ds.Delete(ctx, []byte("k")))
		_, err = ds.Get(ctx, []byte("k"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("batch_write", func(t *testing.T) {
		ds := NewCachedKVStore(memory.New(), newCache(t), time.Minute)
		defer ds.Close()

		require.NoError(t, ds.Put(ctx, []byte("a"), []byte("1")))
		_, err := ds.Get(ctx, []byte("a"))
		require.NoError(t, err)

		require.NoError(t, ds.Write(ctx, storage.DeleteOperation([]byte("a")), storage.PutOperation([]byte("b"), []byte("2"))))
		_, err = ds.Get(ctx, []byte("a"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("failed_write_still_invalidates", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockCache := mocks.NewMockInMemoryCache[[]byte](mockController)
		mockDatastore := mocks.NewMockKVStore(mockController)
		gomock.InOrder(
			mockDatastore.EXPECT().Put(gomock.Any(), []byte("k"), []byte("v")).Return(storage.ErrCancelled),
			mockCache.EXPECT().Delete("k"),
		)

		ds := NewCachedKVStore(mockDatastore, mockCache, time.Minute)
		require.ErrorIs(t, ds.Put(ctx, []byte("k"), []byte("v")), storage.ErrCancelled)
	})

	t.Run("read_racing_a_write_is_not_cached", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockCache := mocks.NewMockInMemoryCache[[]byte](mockController)
		mockDatastore := mocks.NewMockKVStore(mockController)

		var ds *CachedKVStore
		mockCache.EXPECT().Get("k").Return(nil, false)
		mockDatastore.EXPECT().Get(gomock.Any(), []byte("k")).DoAndReturn(func(ctx context.Context, key []byte) ([]byte, error) {
			// a write lands while the read is in flight
			ds.invalidate(key)
			return []byte("stale"), nil
		})
		mockCache.EXPECT().Delete("k")
		mockCache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		ds = NewCachedKVStore(mockDatastore, mockCache, time.Minute)
		v, err := ds.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("stale"), v)
	})
}

func TestCachedKVStoreBatchUnsupported(t *testing.T) {
	mockController := gomock.NewController(t)
	defer mockController.Finish()

	ds := NewCachedKVStore(mocks.NewMockKVStore(mockController), newCache(t), time.Minute)
	require.Equal(t, 0, ds.MaxOperationsPerWrite())
	require.ErrorIs(t, ds.Write(context.Background()), storage.ErrBatchWriteUnsupported)
}

func TestCachedKVStoreHidesSlowReads(t *testing.T) {
	inner := memory.New()
	defer inner.Close()

	ds := NewCachedKVStore(mocks.NewMockSlowDataStorage(inner, 200*time.Millisecond), newCache(t), time.Minute)
	defer ds.Close()

	require.NoError(t, ds.Put(context.Background(), []byte("k"), []byte("v")))

	shortCtx := func() context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	_, err := ds.Get(shortCtx(), []byte("k"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := ds.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	v, err = ds.Get(shortCtx(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
