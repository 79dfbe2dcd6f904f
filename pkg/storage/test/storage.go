// Package test holds the conformance suite every [storage.KVStore] implementation must pass.
package test

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/pkg/storage"
)

// RunAllTests runs the conformance suite against ds. Every test writes under its own random
// prefix so ds may be shared between tests and may already hold data.
func RunAllTests(t *testing.T, ds storage.KVStore) {
	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	t.Run("TestGetPutDelete", func(t *testing.T) { GetPutDeleteTest(t, ds) })
	t.Run("TestBinaryKeys", func(t *testing.T) { BinaryKeysTest(t, ds) })
	t.Run("TestScan", func(t *testing.T) { ScanTest(t, ds) })
	t.Run("TestScanPagination", func(t *testing.T) { ScanPaginationTest(t, ds) })
	t.Run("TestScanConcurrentWrites", func(t *testing.T) { ScanConcurrentWritesTest(t, ds) })
	t.Run("TestConcurrentWrites", func(t *testing.T) { ConcurrentWritesTest(t, ds) })

	if bw, ok := storage.AsBatchWriter(ds); ok {
		t.Run("TestBatchWrite", func(t *testing.T) { BatchWriteTest(t, ds, bw) })
	}
}

// newPrefix returns a unique key prefix that is not a prefix of any other prefix returned.
func newPrefix() []byte {
	return []byte("test/" + ulid.Make().String() + "/")
}

func key(prefix []byte, suffix string) []byte {
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	return append(out, suffix...)
}

func scanKeys(t *testing.T, ds storage.KVStore, prefix []byte, opts storage.ScanOptions) []string {
	t.Helper()

	iter, err := ds.Scan(context.Background(), prefix, opts)
	require.NoError(t, err)

	kvs, err := storage.Collect(context.Background(), iter)
	require.NoError(t, err)

	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys
}
