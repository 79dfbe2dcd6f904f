package mocks

import (
	"context"
	"time"

	"github.com/openfga/kvrel/pkg/storage"
)

// slowDataStorage is a proxy to the actual ds except the reads are delayed by readDelay.
// The delay honours ctx, so it can be used to simulate reads that time out.
type slowDataStorage struct {
	readDelay time.Duration
	storage.KVStore
}

// NewMockSlowDataStorage returns a wrapper of a datastore that adds artificial delays into Get and Scan.
func NewMockSlowDataStorage(ds storage.KVStore, readDelay time.Duration) storage.KVStore {
	return &slowDataStorage{
		readDelay: readDelay,
		KVStore:   ds,
	}
}

func (m *slowDataStorage) Close() {}

func (m *slowDataStorage) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.readDelay):
		return nil
	}
}

func (m *slowDataStorage) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.KVStore.Get(ctx, key)
}

func (m *slowDataStorage) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.KVStore.Scan(ctx, prefix, opts)
}
