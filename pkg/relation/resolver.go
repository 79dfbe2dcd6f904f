package relation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/sublevel"
)

// Related is an item yielded by a relation iterator.
type Related struct {
	// Key is the full datastore key of the related item.
	Key []byte

	// ID is the id of the related item in the opposite sublevel, empty if Key does not
	// address an item of that sublevel.
	ID string

	// Timestamp is the time the link was created.
	Timestamp Timestamp

	// Value is the encoded related item. It is nil when iterating keys only.
	Value []byte

	codec sublevel.Codec
}

// Decode decodes Value into out with the codec of the opposite sublevel.
func (r *Related) Decode(out any) error {
	if r.Value == nil {
		return fmt.Errorf("decode %q: value not loaded", r.ID)
	}

	return r.codec.Unmarshal(r.Value, out)
}

type byOptions struct {
	ordered  bool
	keysOnly bool
	pageSize int
}

// ByOption configures [Resolver].By.
type ByOption func(*byOptions)

// WithOrdered selects insertion order (the default) or the byte order of the related keys.
func WithOrdered(ordered bool) ByOption {
	return func(o *byOptions) {
		o.ordered = ordered
	}
}

// WithKeys skips loading the related items; only keys and timestamps are yielded.
func WithKeys(keysOnly bool) ByOption {
	return func(o *byOptions) {
		o.keysOnly = keysOnly
	}
}

// WithPageSize sets the number of relation entries fetched from the datastore at a time.
func WithPageSize(n int) ByOption {
	return func(o *byOptions) {
		o.pageSize = n
	}
}

// Resolver lists the items related to an owner item under one relation.
type Resolver struct {
	owner    *sublevel.Sublevel
	name     string
	opposite *sublevel.Sublevel
	logger   logger.Logger
}

// NewResolver returns a resolver for relation name of owner whose related items live in
// opposite. Most callers obtain resolvers from [Engine].Accessor instead.
func NewResolver(owner *sublevel.Sublevel, name string, opposite *sublevel.Sublevel) *Resolver {
	return &Resolver{owner: owner, name: name, opposite: opposite, logger: logger.NewNoopLogger()}
}

// Name returns the relation name.
func (r *Resolver) Name() string {
	return r.name
}

// Owner returns the owning sublevel.
func (r *Resolver) Owner() *sublevel.Sublevel {
	return r.owner
}

// Opposite returns the sublevel holding the related items.
func (r *Resolver) Opposite() *sublevel.Sublevel {
	return r.opposite
}

// Keyspace resolves item in the owning sublevel and returns its keyspace.
func (r *Resolver) Keyspace(ctx context.Context, item any) (Keyspace, error) {
	ownerID, err := r.owner.Find(ctx, item)
	if err != nil {
		return Keyspace{}, fmt.Errorf("relation %q: resolve owner in %s: %w", r.name, r.owner.Path(), err)
	}

	return DeriveKeyspace(r.owner, r.name, ownerID)
}

// By returns a lazy iterator over the items related to item. item is resolved in the owning
// sublevel with [sublevel.Sublevel].Find and By fails if it cannot be resolved.
//
// Next returns a *ResolveError when a single related item cannot be loaded or decoded; the
// iterator stays usable and the following call moves on to the next entry.
func (r *Resolver) By(ctx context.Context, item any, opts ...ByOption) (storage.Iterator[*Related], error) {
	o := byOptions{ordered: true}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "relation.By", trace.WithAttributes(
		attribute.String("relation", r.name),
		attribute.Bool("ordered", o.ordered),
		attribute.Bool("keys", o.keysOnly),
	))
	defer span.End()

	ks, err := r.Keyspace(ctx, item)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("keyspace", ks.String()))

	prefix := ks.PointersPrefix()
	decode := r.fromPointer
	if o.ordered {
		prefix = ks.TimelinePrefix()
		decode = r.fromTimeline
	}

	iter, err := ks.store.Scan(ctx, prefix, storage.ScanOptions{PageSize: o.pageSize})
	if err != nil {
		return nil, &StoreError{Op: "scan", Keyspace: ks, Err: err}
	}

	r.logger.DebugWithContext(ctx, "resolving relation",
		zap.String("keyspace", ks.String()),
		zap.Bool("ordered", o.ordered),
		zap.Bool("keys", o.keysOnly))

	return &relatedIterator{
		iter:     iter,
		ks:       ks,
		decode:   decode,
		keysOnly: o.keysOnly,
		opposite: r.opposite,
	}, nil
}

// Count returns the number of items related to item. Pointer entries whose key does not
// decode are not counted.
func (r *Resolver) Count(ctx context.Context, item any) (int, error) {
	ks, err := r.Keyspace(ctx, item)
	if err != nil {
		return 0, err
	}

	scan, err := ks.store.Scan(ctx, ks.PointersPrefix(), storage.ScanOptions{KeysOnly: true})
	if err != nil {
		return 0, &StoreError{Op: "scan", Keyspace: ks, Err: err}
	}

	iter := storage.NewFilteredIterator(scan, func(kv *storage.KV) bool {
		if _, err := ks.relatedKeyFromPointer(kv.Key); err != nil {
			r.logger.WarnWithContext(ctx, "skipping malformed pointer",
				zap.String("keyspace", ks.String()),
				zap.Error(err))
			return false
		}
		return true
	})
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			// backends end a cancelled scan early
			if ctxErr := ctx.Err(); ctxErr != nil {
				return count, ctxErr
			}
			return count, nil
		}
		if err != nil {
			return count, &StoreError{Op: "scan", Keyspace: ks, Err: err}
		}
		count++
	}
}

func (r *Resolver) fromTimeline(ks Keyspace, kv *storage.KV) (*Related, error) {
	ts, err := ks.timestampFromTimeline(kv.Key)
	if err != nil {
		return nil, &ResolveError{Key: kv.Key, Err: err}
	}

	return r.related(kv.Value, ts), nil
}

func (r *Resolver) fromPointer(ks Keyspace, kv *storage.KV) (*Related, error) {
	key, err := ks.relatedKeyFromPointer(kv.Key)
	if err != nil {
		return nil, &ResolveError{Key: kv.Key, Err: err}
	}

	ts, err := ParseTimestamp(kv.Value)
	if err != nil {
		return nil, &ResolveError{Key: key, Err: err}
	}

	return r.related(key, ts), nil
}

func (r *Resolver) related(key []byte, ts Timestamp) *Related {
	rel := &Related{Key: key, Timestamp: ts, codec: r.opposite.Codec()}
	if id, err := r.opposite.IDFromKey(key); err == nil {
		rel.ID = id
	}

	return rel
}

type relatedIterator struct {
	iter     storage.KVIterator
	ks       Keyspace
	decode   func(Keyspace, *storage.KV) (*Related, error)
	keysOnly bool
	opposite *sublevel.Sublevel
}

var _ storage.Iterator[*Related] = (*relatedIterator)(nil)

func (i *relatedIterator) Next(ctx context.Context) (*Related, error) {
	kv, err := i.iter.Next(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrIteratorDone) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		return nil, &StoreError{Op: "scan", Keyspace: i.ks, Err: err}
	}

	rel, err := i.decode(i.ks, kv)
	if err != nil {
		return nil, err
	}

	if i.keysOnly {
		return rel, nil
	}

	value, err := i.opposite.Store().Get(ctx, rel.Key)
	if err != nil {
		return nil, &ResolveError{Key: rel.Key, Err: err}
	}
	rel.Value = value

	return rel, nil
}

func (i *relatedIterator) Stop() {
	i.iter.Stop()
}
