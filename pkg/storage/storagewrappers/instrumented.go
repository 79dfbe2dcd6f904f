package storagewrappers

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/kvrel/internal/build"
	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/storage"
)

var (
	datastoreOperationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "datastore_operation_count",
		Help:      "The total number of datastore operations, by outcome.",
	}, []string{"datastore", "operation", "status"})

	datastoreOperationDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "datastore_operation_duration_ms",
		Help:                            "The latency (in ms) of datastore operations.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"datastore", "operation"})
)

var (
	_ storage.KVStore     = (*InstrumentedKVStore)(nil)
	_ storage.BatchWriter = (*InstrumentedKVStore)(nil)
)

// InstrumentedKVStore wraps a datastore, recording prometheus metrics and span attributes for
// every operation, and counting the reads and writes that went through it.
type InstrumentedKVStore struct {
	storage.KVStore
	name        string
	countReads  atomic.Uint32
	countWrites atomic.Uint32
}

// NewInstrumentedKVStore creates a new instance of InstrumentedKVStore that wraps the specified
// datastore. name is used as the datastore label of the metrics.
// It is crucial that the wrapped object does NOT return results from an in-memory cache for
// this object to return accurate metrics.
func NewInstrumentedKVStore(wrapped storage.KVStore, name string) *InstrumentedKVStore {
	return &InstrumentedKVStore{
		KVStore: wrapped,
		name:    name,
	}
}

type Metrics struct {
	DatastoreReadCount  uint32
	DatastoreWriteCount uint32
}

func (m *InstrumentedKVStore) GetMetrics() Metrics {
	return Metrics{
		DatastoreReadCount:  m.countReads.Load(),
		DatastoreWriteCount: m.countWrites.Load(),
	}
}

func (m *InstrumentedKVStore) observe(ctx context.Context, operation string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}

	datastoreOperationCounter.WithLabelValues(m.name, operation, status).Inc()
	datastoreOperationDurationHistogram.WithLabelValues(m.name, operation).Observe(float64(time.Since(start).Milliseconds()))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("datastore", m.name), attribute.String("datastore.status", status))
	if status == "error" {
		span.SetStatus(codes.Error, err.Error())
	}
}

// Get see [storage.KVReader].Get.
func (m *InstrumentedKVStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.countReads.Add(1)
	ctx, span := tracer.Start(ctx, "instrumented.Get", trace.WithAttributes(attribute.String("key", keys.Format(key))))
	defer span.End()

	start := time.Now()
	v, err := m.KVStore.Get(ctx, key)
	m.observe(ctx, "get", start, err)
	return v, err
}

// Scan see [storage.KVReader].Scan.
func (m *InstrumentedKVStore) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	m.countReads.Add(1)
	ctx, span := tracer.Start(ctx, "instrumented.Scan", trace.WithAttributes(
		attribute.String("prefix", keys.Format(prefix)),
		attribute.Bool("keys_only", opts.KeysOnly),
	))
	defer span.End()

	start := time.Now()
	iter, err := m.KVStore.Scan(ctx, prefix, opts)
	m.observe(ctx, "scan", start, err)
	return iter, err
}

// Put see [storage.KVWriter].Put.
func (m *InstrumentedKVStore) Put(ctx context.Context, key, value []byte) error {
	m.countWrites.Add(1)
	ctx, span := tracer.Start(ctx, "instrumented.Put", trace.WithAttributes(attribute.String("key", keys.Format(key))))
	defer span.End()

	start := time.Now()
	err := m.KVStore.Put(ctx, key, value)
	m.observe(ctx, "put", start, err)
	return err
}

// Delete see [storage.KVWriter].Delete.
func (m *InstrumentedKVStore) Delete(ctx context.Context, key []byte) error {
	m.countWrites.Add(1)
	ctx, span := tracer.Start(ctx, "instrumented.Delete", trace.WithAttributes(attribute.String("key", keys.Format(key))))
	defer span.End()

	start := time.Now()
	err := m.KVStore.Delete(ctx, key)
	m.observe(ctx, "delete", start, err)
	return err
}

// Write see [storage.BatchWriter].Write. It returns storage.ErrBatchWriteUnsupported if the
// wrapped datastore cannot batch.
func (m *InstrumentedKVStore) Write(ctx context.Context, ops ...storage.Operation) error {
	bw, ok := storage.AsBatchWriter(m.KVStore)
	if !ok {
		return storage.ErrBatchWriteUnsupported
	}

	m.countWrites.Add(1)
	ctx, span := tracer.Start(ctx, "instrumented.Write", trace.WithAttributes(attribute.Int("operations", len(ops))))
	defer span.End()

	start := time.Now()
	err := bw.Write(ctx, ops...)
	m.observe(ctx, "write", start, err)
	return err
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (m *InstrumentedKVStore) MaxOperationsPerWrite() int {
	return maxOperationsPerWrite(m.KVStore)
}

func maxOperationsPerWrite(ds storage.KVStore) int {
	if bw, ok := storage.AsBatchWriter(ds); ok {
		return bw.MaxOperationsPerWrite()
	}

	return 0
}
