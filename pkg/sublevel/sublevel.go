// Package sublevel partitions a [storage.KVStore] into nested, named collections of items.
//
// Every sublevel owns a key prefix built from namespace segments (see internal/keys). Items
// live directly under the prefix as item segments, so scanning the items of a sublevel never
// yields the entries of a child sublevel, of its secondary indexes, or of the relation
// tables stored under it.
package sublevel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
)

var tracer = otel.Tracer("kvrel/pkg/sublevel")

const lockStripes = 64

var (
	// ErrInvalidID is returned when an item id is empty.
	ErrInvalidID = errors.New("invalid item id")

	// ErrUnresolvable is returned by Find when the given item cannot be mapped to an id,
	// because it is a key outside of the sublevel or no registered index applies to it.
	ErrUnresolvable = errors.New("item cannot be resolved to an id")
)

// ReservedNames are namespace names used by kvrel itself under every sublevel. They cannot
// be used as sublevel names.
var ReservedNames = []string{indexesNamespace, "relations"}

// Option configures a root [Sublevel]. Children inherit the configuration of their parent.
type Option func(*Sublevel)

// WithCodec sets the codec used to encode items. Defaults to [JSONCodec].
func WithCodec(codec Codec) Option {
	return func(s *Sublevel) {
		s.codec = codec
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Sublevel) {
		s.logger = l
	}
}

// Sublevel is a named collection of items stored under a common key prefix.
type Sublevel struct {
	store  storage.KVStore
	codec  Codec
	logger logger.Logger

	name   string
	path   []string
	prefix []byte

	mu       sync.RWMutex
	children map[string]*Sublevel // GUARDED_BY(mu)
	indexes  []string             // GUARDED_BY(mu)

	// writes to the same item are serialized so that index entries never go stale.
	locks [lockStripes]sync.Mutex
}

// Entry is an item yielded by [Sublevel].Scan.
type Entry struct {
	ID    string
	Value []byte
}

// New returns the root sublevel of store. The root has an empty prefix and is only meant to
// hold child sublevels.
func New(store storage.KVStore, opts ...Option) *Sublevel {
	s := &Sublevel{
		store:    store,
		codec:    JSONCodec{},
		logger:   logger.NewNoopLogger(),
		children: map[string]*Sublevel{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sublevel returns the child sublevel called name, creating it on first use. Calling it
// twice with the same name returns the same instance. It panics if name is empty or one of
// [ReservedNames].
func (s *Sublevel) Sublevel(name string) *Sublevel {
	if name == "" {
		panic("sublevel: empty sublevel name")
	}
	for _, reserved := range ReservedNames {
		if name == reserved {
			panic(fmt.Sprintf("sublevel: %q is a reserved name", name))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if child, ok := s.children[name]; ok {
		return child
	}

	path := make([]string, 0, len(s.path)+1)
	path = append(path, s.path...)
	child := &Sublevel{
		store:    s.store,
		codec:    s.codec,
		logger:   s.logger,
		name:     name,
		path:     append(path, name),
		prefix:   keys.Namespace(s.prefix, name),
		children: map[string]*Sublevel{},
	}
	s.children[name] = child

	return child
}

// Name returns the name of the sublevel, empty for the root.
func (s *Sublevel) Name() string {
	return s.name
}

// Path returns the slash separated path of the sublevel from the root, e.g. "/users".
func (s *Sublevel) Path() string {
	return "/" + strings.Join(s.path, "/")
}

// Prefix returns a copy of the key prefix of the sublevel.
func (s *Sublevel) Prefix() []byte {
	return bytes.Clone(s.prefix)
}

// Store returns the datastore the sublevel writes to.
func (s *Sublevel) Store() storage.KVStore {
	return s.store
}

// Codec returns the codec used to encode items.
func (s *Sublevel) Codec() Codec {
	return s.codec
}

// Key returns the full datastore key of the item id.
func (s *Sublevel) Key(id string) []byte {
	return keys.Item(s.prefix, []byte(id))
}

// IDFromKey returns the id of the item stored at key. It fails with ErrUnresolvable if key
// does not address an item of this sublevel.
func (s *Sublevel) IDFromKey(key []byte) (string, error) {
	id, err := keys.TrimItem(key, s.prefix)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	return string(id), nil
}

func (s *Sublevel) lockFor(key []byte) *sync.Mutex {
	return &s.locks[keys.Hash(key)%lockStripes]
}

// Put encodes value with the codec of the sublevel and stores it as the item id, updating
// every registered index.
func (s *Sublevel) Put(ctx context.Context, id string, value any) error {
	ctx, span := tracer.Start(ctx, "sublevel.Put", trace.WithAttributes(
		attribute.String("sublevel", s.Path()),
		attribute.String("id", id),
	))
	defer span.End()

	if id == "" {
		return ErrInvalidID
	}

	raw, err := s.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode item %q: %w", id, err)
	}

	key := s.Key(id)
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	var previous []byte
	if len(s.registeredIndexes()) > 0 {
		previous, err = s.store.Get(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	ops := s.indexOperations(id, previous, raw)
	if err := s.apply(ctx, storage.PutOperation(key, raw), ops); err != nil {
		return err
	}

	s.logger.Debug("sublevel item written",
		zap.String("sublevel", s.Path()),
		zap.String("id", id),
		zap.Int("index_operations", len(ops)))

	return nil
}

// Get decodes the item id into out. It returns storage.ErrNotFound if the item does not exist.
func (s *Sublevel) Get(ctx context.Context, id string, out any) error {
	raw, err := s.GetRaw(ctx, id)
	if err != nil {
		return err
	}

	return s.codec.Unmarshal(raw, out)
}

// GetRaw returns the encoded item id.
func (s *Sublevel) GetRaw(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "sublevel.Get", trace.WithAttributes(
		attribute.String("sublevel", s.Path()),
		attribute.String("id", id),
	))
	defer span.End()

	if id == "" {
		return nil, ErrInvalidID
	}

	return s.store.Get(ctx, s.Key(id))
}

// GetByKey decodes the item stored at the full datastore key into out. The key may belong to
// any sublevel sharing the codec of s.
func (s *Sublevel) GetByKey(ctx context.Context, key []byte, out any) error {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}

	return s.codec.Unmarshal(raw, out)
}

// Delete removes the item id and its index entries. Deleting a missing item is not an error.
func (s *Sublevel) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sublevel.Delete", trace.WithAttributes(
		attribute.String("sublevel", s.Path()),
		attribute.String("id", id),
	))
	defer span.End()

	if id == "" {
		return ErrInvalidID
	}

	key := s.Key(id)
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	var ops []storage.Operation
	if len(s.registeredIndexes()) > 0 {
		previous, err := s.store.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		ops = s.indexOperations(id, previous, nil)
	}

	return s.apply(ctx, storage.DeleteOperation(key), ops)
}

// apply writes the item operation and its index operations, atomically when the datastore
// supports batches. Without batches the item is written first and index entries follow.
func (s *Sublevel) apply(ctx context.Context, item storage.Operation, indexOps []storage.Operation) error {
	if bw, ok := storage.AsBatchWriter(s.store); ok && len(indexOps)+1 <= bw.MaxOperationsPerWrite() {
		return bw.Write(ctx, append([]storage.Operation{item}, indexOps...)...)
	}

	for _, op := range append([]storage.Operation{item}, indexOps...) {
		var err error
		switch op.Kind {
		case storage.OperationPut:
			err = s.store.Put(ctx, op.Key, op.Value)
		case storage.OperationDelete:
			err = s.store.Delete(ctx, op.Key)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Scan returns an iterator over the items of the sublevel in ascending id byte order.
func (s *Sublevel) Scan(ctx context.Context) (storage.Iterator[*Entry], error) {
	iter, err := s.store.Scan(ctx, keys.ItemPrefix(s.prefix), storage.ScanOptions{})
	if err != nil {
		return nil, err
	}

	return storage.NewMappedIterator(iter, func(kv *storage.KV) (*Entry, error) {
		id, err := s.IDFromKey(kv.Key)
		if err != nil {
			return nil, err
		}

		return &Entry{ID: id, Value: kv.Value}, nil
	}), nil
}

// Find resolves itemOrKey to the id of an existing item of the sublevel:
//   - a string is an item id,
//   - a []byte is a full datastore key of an item of this sublevel,
//   - any other value is encoded and matched against the registered indexes, in
//     registration order.
//
// It returns ErrUnresolvable if itemOrKey cannot be mapped to an id and storage.ErrNotFound
// if it can but no such item exists.
func (s *Sublevel) Find(ctx context.Context, itemOrKey any) (string, error) {
	ctx, span := tracer.Start(ctx, "sublevel.Find", trace.WithAttributes(attribute.String("sublevel", s.Path())))
	defer span.End()

	switch v := itemOrKey.(type) {
	case string:
		if v == "" {
			return "", ErrInvalidID
		}
		if _, err := s.store.Get(ctx, s.Key(v)); err != nil {
			return "", err
		}
		return v, nil
	case []byte:
		id, err := s.IDFromKey(v)
		if err != nil {
			return "", err
		}
		if _, err := s.store.Get(ctx, v); err != nil {
			return "", err
		}
		return id, nil
	case nil:
		return "", ErrUnresolvable
	default:
		return s.findByIndexes(ctx, v)
	}
}
