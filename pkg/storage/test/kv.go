package test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/openfga/kvrel/pkg/storage"
)

func GetPutDeleteTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	t.Run("get_missing_key_returns_not_found", func(t *testing.T) {
		_, err := ds.Get(ctx, key(prefix, "missing"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("put_then_get", func(t *testing.T) {
		k := key(prefix, "a")
		require.NoError(t, ds.Put(ctx, k, []byte("1")))

		v, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
	})

	t.Run("put_overwrites", func(t *testing.T) {
		k := key(prefix, "b")
		require.NoError(t, ds.Put(ctx, k, []byte("1")))
		require.NoError(t, ds.Put(ctx, k, []byte("2")))

		v, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte("2"), v)
	})

	t.Run("empty_value", func(t *testing.T) {
		k := key(prefix, "c")
		require.NoError(t, ds.Put(ctx, k, nil))

		v, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("delete", func(t *testing.T) {
		k := key(prefix, "d")
		require.NoError(t, ds.Put(ctx, k, []byte("1")))
		require.NoError(t, ds.Delete(ctx, k))

		_, err := ds.Get(ctx, k)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete_missing_key_is_not_an_error", func(t *testing.T) {
		require.NoError(t, ds.Delete(ctx, key(prefix, "never-written")))
	})

	t.Run("empty_key_is_invalid", func(t *testing.T) {
		_, err := ds.Get(ctx, nil)
		require.ErrorIs(t, err, storage.ErrInvalidKey)
		require.ErrorIs(t, ds.Put(ctx, []byte{}, []byte("1")), storage.ErrInvalidKey)
		require.ErrorIs(t, ds.Delete(ctx, nil), storage.ErrInvalidKey)
	})

	t.Run("returned_value_is_a_copy", func(t *testing.T) {
		k := key(prefix, "e")
		value := []byte("abc")
		require.NoError(t, ds.Put(ctx, k, value))
		value[0] = 'z'

		v, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), v)

		v[0] = 'y'
		again, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), again)
	})
}

func BinaryKeysTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	keys := [][]byte{
		key(prefix, "\x00"),
		key(prefix, "\x00\x00"),
		key(prefix, "\x00\x01"),
		key(prefix, "\x01"),
		key(prefix, "\x7f"),
		key(prefix, "\x80"),
		key(prefix, "\xff"),
		key(prefix, "\xff\xff"),
	}

	// write in reverse so that ordering comes from the store and not insertion
	for i := len(keys) - 1; i >= 0; i-- {
		require.NoError(t, ds.Put(ctx, keys[i], []byte{byte(i), 0x00, 0xff}))
	}

	for i, k := range keys {
		v, err := ds.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), 0x00, 0xff}, v)
	}

	expected := make([]string, 0, len(keys))
	for _, k := range keys {
		expected = append(expected, string(k))
	}
	require.Equal(t, expected, scanKeys(t, ds, prefix, storage.ScanOptions{}))
}

func ScanTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	inside := []string{"a", "a/1", "a/2", "b", "b\xff"}
	for _, s := range inside {
		require.NoError(t, ds.Put(ctx, key(prefix, s), []byte("v:"+s)))
	}

	// keys sorting right before and right after the prefix range
	before := append([]byte{}, prefix[:len(prefix)-1]...)
	after := append(append([]byte{}, prefix[:len(prefix)-1]...), prefix[len(prefix)-1]+1)
	require.NoError(t, ds.Put(ctx, before, []byte("x")))
	require.NoError(t, ds.Put(ctx, after, []byte("x")))
	t.Cleanup(func() {
		_ = ds.Delete(ctx, before)
		_ = ds.Delete(ctx, after)
	})

	t.Run("yields_prefix_range_in_order", func(t *testing.T) {
		iter, err := ds.Scan(ctx, prefix, storage.ScanOptions{})
		require.NoError(t, err)

		kvs, err := storage.Collect(ctx, iter)
		require.NoError(t, err)
		require.Len(t, kvs, len(inside))
		for i, kv := range kvs {
			require.Equal(t, string(key(prefix, inside[i])), string(kv.Key))
			require.Equal(t, []byte("v:"+inside[i]), kv.Value)
		}
	})

	t.Run("nested_prefix", func(t *testing.T) {
		got := scanKeys(t, ds, key(prefix, "a/"), storage.ScanOptions{})
		require.Equal(t, []string{string(key(prefix, "a/1")), string(key(prefix, "a/2"))}, got)
	})

	t.Run("keys_only", func(t *testing.T) {
		iter, err := ds.Scan(ctx, prefix, storage.ScanOptions{KeysOnly: true})
		require.NoError(t, err)

		kvs, err := storage.Collect(ctx, iter)
		require.NoError(t, err)
		require.Len(t, kvs, len(inside))
		for _, kv := range kvs {
			require.Nil(t, kv.Value)
		}
	})

	t.Run("no_match", func(t *testing.T) {
		require.Empty(t, scanKeys(t, ds, key(prefix, "zzz"), storage.ScanOptions{}))
	})

	t.Run("empty_prefix_is_invalid", func(t *testing.T) {
		_, err := ds.Scan(ctx, nil, storage.ScanOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("stop_before_exhausting", func(t *testing.T) {
		iter, err := ds.Scan(ctx, prefix, storage.ScanOptions{PageSize: 1})
		require.NoError(t, err)

		_, err = iter.Next(ctx)
		require.NoError(t, err)
		iter.Stop()
	})

	t.Run("cancelled_context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		iter, err := ds.Scan(cctx, prefix, storage.ScanOptions{PageSize: 1})
		require.NoError(t, err)
		defer iter.Stop()

		cancel()
		_, err = iter.Next(cctx)
		require.Error(t, err)
	})
}

func ScanPaginationTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	var expected []string
	for i := 0; i < 25; i++ {
		k := key(prefix, fmt.Sprintf("%03d", i))
		require.NoError(t, ds.Put(ctx, k, []byte{byte(i)}))
		expected = append(expected, string(k))
	}

	for _, pageSize := range []int{1, 2, 7, 25, 100} {
		t.Run(fmt.Sprintf("page_size_%d", pageSize), func(t *testing.T) {
			require.Equal(t, expected, scanKeys(t, ds, prefix, storage.ScanOptions{PageSize: pageSize}))
		})
	}
}

func ScanConcurrentWritesTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	for _, s := range []string{"1", "3", "5", "7"} {
		require.NoError(t, ds.Put(ctx, key(prefix, s), []byte(s)))
	}

	iter, err := ds.Scan(ctx, prefix, storage.ScanOptions{PageSize: 1})
	require.NoError(t, err)
	defer iter.Stop()

	first, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, string(key(prefix, "1")), string(first.Key))

	// delete an entry ahead of the cursor and insert new ones on both sides of it
	require.NoError(t, ds.Delete(ctx, key(prefix, "5")))
	require.NoError(t, ds.Put(ctx, key(prefix, "0"), []byte("0")))
	require.NoError(t, ds.Put(ctx, key(prefix, "6"), []byte("6")))

	var rest []string
	for {
		kv, err := iter.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			break
		}
		require.NoError(t, err)
		rest = append(rest, string(kv.Key))
	}

	require.Equal(t, []string{
		string(key(prefix, "3")),
		string(key(prefix, "6")),
		string(key(prefix, "7")),
	}, rest)
}

func ConcurrentWritesTest(t *testing.T, ds storage.KVStore) {
	ctx := context.Background()
	prefix := newPrefix()

	const n = 20

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return ds.Put(ctx, key(prefix, fmt.Sprintf("%02d", i)), []byte{byte(i)})
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, scanKeys(t, ds, prefix, storage.ScanOptions{PageSize: 3}), n)
}

func BatchWriteTest(t *testing.T, ds storage.KVStore, bw storage.BatchWriter) {
	ctx := context.Background()
	prefix := newPrefix()

	t.Run("applies_all_operations", func(t *testing.T) {
		require.NoError(t, ds.Put(ctx, key(prefix, "old"), []byte("x")))

		err := bw.Write(ctx,
			storage.PutOperation(key(prefix, "a"), []byte("1")),
			storage.PutOperation(key(prefix, "b"), []byte("2")),
			storage.DeleteOperation(key(prefix, "old")),
			storage.DeleteOperation(key(prefix, "never-written")),
		)
		require.NoError(t, err)

		require.Equal(t, []string{string(key(prefix, "a")), string(key(prefix, "b"))},
			scanKeys(t, ds, prefix, storage.ScanOptions{}))
	})

	t.Run("put_then_delete_same_key", func(t *testing.T) {
		k := key(prefix, "same")
		err := bw.Write(ctx, storage.PutOperation(k, []byte("1")), storage.DeleteOperation(k))
		require.NoError(t, err)

		_, err = ds.Get(ctx, k)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("exceeding_limit_applies_nothing", func(t *testing.T) {
		ops := make([]storage.Operation, 0, bw.MaxOperationsPerWrite()+1)
		for i := 0; i <= bw.MaxOperationsPerWrite(); i++ {
			ops = append(ops, storage.PutOperation(key(prefix, fmt.Sprintf("limit/%04d", i)), nil))
		}

		err := bw.Write(ctx, ops...)
		require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
		require.Empty(t, scanKeys(t, ds, key(prefix, "limit/"), storage.ScanOptions{}))
	})

	t.Run("invalid_operation_applies_nothing", func(t *testing.T) {
		err := bw.Write(ctx,
			storage.PutOperation(key(prefix, "invalid/a"), []byte("1")),
			storage.PutOperation(nil, []byte("2")),
		)
		require.ErrorIs(t, err, storage.ErrInvalidKey)
		require.Empty(t, scanKeys(t, ds, key(prefix, "invalid/"), storage.ScanOptions{}))
	})
}
