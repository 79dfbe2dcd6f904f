package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/kvrel/pkg/storage"
)

var tracer = otel.Tracer("kvrel/pkg/storage/memory")

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(dataStore *MemoryBackend)

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.KVStore].
// Entries are kept in a red-black tree ordered by key bytes. These instances may be safely
// shared by multiple go-routines.
type MemoryBackend struct {
	maxOperationsPerWrite int

	tree *redblacktree.Tree // GUARDED_BY(mu)
	mu   sync.RWMutex
}

var (
	_ storage.KVStore     = (*MemoryBackend)(nil)
	_ storage.BatchWriter = (*MemoryBackend)(nil)
)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		maxOperationsPerWrite: storage.DefaultMaxOperationsPerWrite,
		tree:                  redblacktree.NewWith(utils.StringComparator),
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithMaxOperationsPerWrite returns a [StorageOption] that sets the maximum number of operations per write in a [MemoryBackend].
func WithMaxOperationsPerWrite(n int) StorageOption {
	return func(ds *MemoryBackend) { ds.maxOperationsPerWrite = n }
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

// Get see [storage.KVReader].Get.
func (s *MemoryBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	_, span := tracer.Start(ctx, "memory.Get")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.tree.Get(string(key))
	if !ok {
		return nil, storage.ErrNotFound
	}

	return bytes.Clone(v.([]byte)), nil
}

// Put see [storage.KVWriter].Put.
func (s *MemoryBackend) Put(ctx context.Context, key, value []byte) error {
	_, span := tracer.Start(ctx, "memory.Put")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Put(string(key), cloneValue(value))
	return nil
}

// Delete see [storage.KVWriter].Delete.
func (s *MemoryBackend) Delete(ctx context.Context, key []byte) error {
	_, span := tracer.Start(ctx, "memory.Delete")
	defer span.End()

	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Remove(string(key))
	return nil
}

// Write see [storage.BatchWriter].Write. All operations are applied under a single lock.
func (s *MemoryBackend) Write(ctx context.Context, ops ...storage.Operation) error {
	_, span := tracer.Start(ctx, "memory.Write", trace.WithAttributes(attribute.Int("operations", len(ops))))
	defer span.End()

	if err := storage.ValidateOperations(ops, s.maxOperationsPerWrite); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case storage.OperationPut:
			s.tree.Put(string(op.Key), cloneValue(op.Value))
		case storage.OperationDelete:
			s.tree.Remove(string(op.Key))
		}
	}

	return nil
}

// MaxOperationsPerWrite see [storage.BatchWriter].MaxOperationsPerWrite.
func (s *MemoryBackend) MaxOperationsPerWrite() int {
	return s.maxOperationsPerWrite
}

// Scan see [storage.KVReader].Scan.
func (s *MemoryBackend) Scan(ctx context.Context, prefix []byte, opts storage.ScanOptions) (storage.KVIterator, error) {
	_, span := tracer.Start(ctx, "memory.Scan")
	defer span.End()

	if err := storage.ValidateKey(prefix); err != nil {
		return nil, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	return &scanIterator{
		backend:  s,
		prefix:   string(prefix),
		pageSize: pageSize,
		keysOnly: opts.KeysOnly,
	}, nil
}

// IsReady see [storage.KVStore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Len returns the number of entries held by the backend.
func (s *MemoryBackend) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Size()
}

// page collects up to limit entries with the given prefix whose key is strictly greater
// than after, or starts at the prefix when started is false.
func (s *MemoryBackend) page(prefix, after string, started bool, limit int, keysOnly bool) []*storage.KV {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from := prefix
	if started {
		from = after
	}

	node, ok := s.tree.Ceiling(from)
	if !ok {
		return nil
	}

	if started && node.Key.(string) == after {
		node = successor(node)
	}

	out := make([]*storage.KV, 0, limit)
	for ; node != nil && len(out) < limit; node = successor(node) {
		k := node.Key.(string)
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			break
		}

		kv := &storage.KV{Key: []byte(k)}
		if !keysOnly {
			kv.Value = bytes.Clone(node.Value.([]byte))
		}
		out = append(out, kv)
	}

	return out
}

// successor returns the in-order successor of node, or nil if node is the last one.
func successor(node *redblacktree.Node) *redblacktree.Node {
	if node.Right != nil {
		node = node.Right
		for node.Left != nil {
			node = node.Left
		}
		return node
	}

	parent := node.Parent
	for parent != nil && node == parent.Right {
		node = parent
		parent = parent.Parent
	}

	return parent
}

func cloneValue(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return bytes.Clone(value)
}

// scanIterator walks the tree a page at a time. Each page is taken under the read lock and
// resumes after the last yielded key, so writes may interleave with the iteration.
type scanIterator struct {
	backend  *MemoryBackend
	prefix   string
	pageSize int
	keysOnly bool

	mu      sync.Mutex
	buf     []*storage.KV
	last    string
	started bool
	done    bool
}

var _ storage.KVIterator = (*scanIterator)(nil)

// Next see [storage.Iterator].Next.
func (it *scanIterator) Next(ctx context.Context) (*storage.KV, error) {
	if ctx.Err() != nil {
		return nil, storage.ErrIteratorDone
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if len(it.buf) == 0 {
		if it.done {
			return nil, storage.ErrIteratorDone
		}

		it.buf = it.backend.page(it.prefix, it.last, it.started, it.pageSize, it.keysOnly)
		if len(it.buf) < it.pageSize {
			it.done = true
		}
		if len(it.buf) == 0 {
			return nil, storage.ErrIteratorDone
		}
	}

	next := it.buf[0]
	it.buf = it.buf[1:]
	it.last = string(next.Key)
	it.started = true

	return next, nil
}

// Stop see [storage.Iterator].Stop.
func (it *scanIterator) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.buf = nil
	it.done = true
}
