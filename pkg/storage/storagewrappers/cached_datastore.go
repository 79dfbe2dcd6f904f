// Package storagewrappers decorates a [storage.KVStore] with metrics and caching.
package storagewrappers

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
)

var (
	tracer = otel.Tracer("kvrel/pkg/storage/storagewrappers")

	_ storage.KVStore     = (*CachedKVStore)(nil)
	_ storage.BatchWriter = (*CachedKVStore)(nil)

	kvCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "kv_cache_total_count",
		Help:      "The total number of Get calls served through the key-value cache.",
	})

	kvCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "kv_cache_hit_count",
		Help:      "The total number of key-value cache hits.",
	})
)

type CachedKVStoreOpt func(*CachedKVStore)

// WithCachedKVStoreLogger sets the logger for the CachedKVStore.
func WithCachedKVStoreLogger(logger logger.Logger) CachedKVStoreOpt {
	return func(c *CachedKVStore) {
		c.logger = logger
	}
}

// CachedKVStore is a wrapper over a datastore that caches the values returned by Get in memory.
// Every write through the wrapper invalidates the keys it touches. Writes that bypass the
// wrapper are only observed once the cached entry expires.
type CachedKVStore struct {
	storage.KVStore

	cache storage.InMemoryCache[[]byte]
	ttl   time.Duration

	// sf collapses concurrent misses on the same key and generation into one datastore read.
	sf singleflight.Group

	// generation is bumped by every write. A read only populates the cache if no write
	// happened while it was in flight.
	mu         sync.Mutex
	generation uint64 // GUARDED_BY(mu)

	logger logger.Logger
}

// NewCachedKVStore returns a wrapper over a datastore that caches Get results for ttl.
func NewCachedKVStore(inner storage.KVStore, cache storage.InMemoryCache[[]byte], ttl time.Duration, opts ...CachedKVStoreOpt) *CachedKVStore {
	c := &CachedKVStore{
		KVStore: inner,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func cacheKey(key []byte) string {
	return string(key)
}

func (c *CachedKVStore) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *CachedKVStore) setIfUnchanged(key string, value []byte, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return
	}
	c.cache.Set(key, value, c.ttl)
}

func (c *CachedKVStore) invalidate(ks ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, k := range ks {
		c.cache.Delete(cacheKey(k))
	}
}

// Get see [storage.KVReader].Get.
func (c *CachedKVStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "cache.Get", trace.WithAttributes(attribute.Bool("cached", false)))
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	kvCacheTotalCounter.Inc()
	k := cacheKey(key)
	if v, ok := c.cache.Get(k); ok {
		kvCacheHitCounter.Inc()
		span.SetAttributes(attribute.Bool("cached", true))
		return bytes.Clone(v), nil
	}

	generation := c.currentGeneration()
	v, err, shared := c.sf.Do(k+"#"+strconv.FormatUint(generation, 10), func() (any, error) {
		value, err := c.KVStore.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		c.setIfUnchanged(k, value, generation)
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.logger.Debug("cache miss shared with an inflight read", zap.String("key", keys.Format(key)))
	}

	return bytes.Clone(v.([]byte)), nil
}

// Put see [storage.KVWriter].Put.
func (c *CachedKVStore) Put(ctx context.Context, key, value []byte) error {
	defer c.invalidate(key)
	return c.KVStore.Put(ctx, key, value)
}

// Delete see [storage.KVWriter].Delete.
func (c *CachedKVStore) Delete(ctx context.Context, key []byte) error {
	defer c.invalidate(key)
	return c.KVStore.Delete(ctx, key)
}

// Write see [storage.BatchWriter].Write.
func (c *CachedKVStore) Write(ctx context.Context, ops ...storage.Operation) error {
	bw, ok := storage.AsBatchWriter(c.KVStore)
	if !ok {
		return storage.ErrBatchWriteUnsupported
	}

	touched := make([][]byte, 0, len(ops))
	for _, op := range ops {
		touched = append(touched, op.Key)
	}
	defer c.invalidate(touched...)

	return bw.Write(ctx, ops...)
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (c *CachedKVStore) MaxOperationsPerWrite() int {
	return maxOperationsPerWrite(c.KVStore)
}

// Close stops the cache and closes the wrapped datastore.
func (c *CachedKVStore) Close() {
	c.cache.Stop()
	c.KVStore.Close()
}
