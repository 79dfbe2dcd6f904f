package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/test"
)

func TestMemdbStorage(t *testing.T) {
	ds := New()
	test.RunAllTests(t, ds)
}

func TestMaxOperationsPerWrite(t *testing.T) {
	ds := New(WithMaxOperationsPerWrite(1))
	require.Equal(t, 1, ds.MaxOperationsPerWrite())

	err := ds.Write(context.Background(),
		storage.PutOperation([]byte("a"), nil),
		storage.PutOperation([]byte("b"), nil),
	)
	require.ErrorIs(t, err, storage.ErrExceededWriteBatchLimit)
	require.Zero(t, ds.Len())
}

func TestSuccessorVisitsEveryNode(t *testing.T) {
	ds := New()
	ctx := context.Background()

	// insertion order that forces rotations on both sides of the tree
	order := []int{50, 20, 80, 10, 30, 70, 90, 5, 15, 25, 35, 65, 75, 85, 95, 1, 99}
	for _, n := range order {
		require.NoError(t, ds.Put(ctx, []byte(fmt.Sprintf("k%03d", n)), nil))
	}

	node := ds.tree.Left()
	var got []string
	for ; node != nil; node = successor(node) {
		got = append(got, node.Key.(string))
	}

	require.Len(t, got, len(order))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

func TestScanIteratorNoRace(t *testing.T) {
	ds := New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, ds.Put(ctx, []byte(fmt.Sprintf("p/%d", i)), nil))
	}

	iter, err := ds.Scan(ctx, []byte("p/"), storage.ScanOptions{PageSize: 2})
	require.NoError(t, err)
	defer iter.Stop()

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = iter.Next(ctx)
		}()
	}
	<-done
	<-done
}
