package storage

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func kvs(keys ...string) []*KV {
	out := make([]*KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, &KV{Key: []byte(k), Value: []byte("v-" + k)})
	}
	return out
}

func TestStaticIterator(t *testing.T) {
	expected := kvs("a", "b", "c")
	iter := NewStaticKVIterator(expected)

	var actual []*KV
	for {
		kv, err := iter.Next(context.Background())
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				break
			}
			require.Fail(t, "no error was expected")
		}

		actual = append(actual, kv)
	}

	require.Equal(t, expected, actual)

	_, err := iter.Next(context.Background())
	require.ErrorIs(t, err, ErrIteratorDone)
}

func TestStaticIteratorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	iter := NewStaticKVIterator(kvs("a"))
	defer iter.Stop()

	_, err := iter.Next(ctx)
	require.ErrorIs(t, err, ErrIteratorDone)
}

func TestFilteredIterator(t *testing.T) {
	iter := NewFilteredIterator(NewStaticKVIterator(kvs("a", "b", "c")), func(kv *KV) bool {
		return string(kv.Key) != "b"
	})

	actual, err := Collect(context.Background(), iter)
	require.NoError(t, err)
	require.Equal(t, kvs("a", "c"), actual)
}

func TestMappedIterator(t *testing.T) {
	errOdd := errors.New("odd")

	iter := NewMappedIterator(NewStaticIterator([]string{"1", "2", "3", "x"}), func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		if n%2 == 1 {
			return n, errOdd
		}
		return n, nil
	})
	defer iter.Stop()

	ctx := context.Background()

	_, err := iter.Next(ctx)
	require.ErrorIs(t, err, errOdd)

	n, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = iter.Next(ctx)
	require.ErrorIs(t, err, errOdd)

	_, err = iter.Next(ctx)
	require.ErrorIs(t, err, strconv.ErrSyntax)

	_, err = iter.Next(ctx)
	require.ErrorIs(t, err, ErrIteratorDone)
}

func TestCollectStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	iter := NewMappedIterator(NewStaticIterator([]int{1, 2}), func(n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	})

	actual, err := Collect(context.Background(), iter)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{1}, actual)
}
