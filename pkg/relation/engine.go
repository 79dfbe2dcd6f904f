// Package relation maintains bidirectional relation indexes between the items of two
// sublevels.
//
// Linking an item B to an owner item A under a relation name writes two entries below the
// sublevel of A: a pointer from the key of B to the link timestamp, and a timeline entry from
// that timestamp back to the key of B. The pointer table answers "is B linked?" and lists
// related items in key order; the timeline lists them in insertion order.
package relation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/sublevel"
	"github.com/openfga/kvrel/pkg/telemetry"
)

var tracer = otel.Tracer("kvrel/pkg/relation")

const defaultLockStripes = 256

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger of the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the timestamp source of the engine.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithAtomicWrites makes Link and Unlink write both entries of a keyspace in a single batch
// when the datastore implements [storage.BatchWriter]. Datastores that cannot batch keep the
// two-step behaviour.
func WithAtomicWrites() Option {
	return func(e *Engine) {
		e.atomicWrites = true
	}
}

// WithoutKeyspaceLocking disables the in-process mutual exclusion of concurrent Link and
// Unlink calls on the same keyspace.
func WithoutKeyspaceLocking() Option {
	return func(e *Engine) {
		e.locks = nil
	}
}

// WithLockStripes sets the number of mutexes keyspaces are hashed onto.
func WithLockStripes(n int) Option {
	return func(e *Engine) {
		if n > 0 && e.locks != nil {
			e.locks = make([]sync.Mutex, n)
		}
	}
}

// Engine links and unlinks items and holds the accessors registered by executed batches.
// It is safe for concurrent use.
type Engine struct {
	clock        *Clock
	logger       logger.Logger
	atomicWrites bool
	locks        []sync.Mutex
	registry     *Registry
}

// NewEngine returns an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:    NewClock(),
		logger:   logger.NewNoopLogger(),
		locks:    make([]sync.Mutex, defaultLockStripes),
		registry: NewRegistry(),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.registry.logger = e.logger

	return e
}

// Registry returns the accessor registry of the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Accessor returns the resolver registered for relation name of owner, if a batch linking
// or unlinking in that relation was executed.
func (e *Engine) Accessor(owner *sublevel.Sublevel, name string) (*Resolver, bool) {
	return e.registry.Lookup(owner, name)
}

// Relation returns a builder queuing tasks between the items of a and b.
func (e *Engine) Relation(a, b *sublevel.Sublevel) *Builder {
	return &Builder{engine: e, a: a, b: b}
}

func (e *Engine) lock(ks Keyspace) func() {
	if e.locks == nil {
		return func() {}
	}

	mu := &e.locks[keys.Hash(ks.root)%uint64(len(e.locks))]
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) batchWriter(ks Keyspace) (storage.BatchWriter, bool) {
	if !e.atomicWrites {
		return nil, false
	}

	bw, ok := storage.AsBatchWriter(ks.store)
	if !ok {
		e.logger.Debug("datastore cannot batch, writing keyspace entries one at a time", zap.String("keyspace", ks.String()))
	}
	return bw, ok
}

func startSpan(ctx context.Context, name string, ks Keyspace, relatedKey []byte) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("keyspace", ks.String()),
		attribute.String("related_key", keys.Format(relatedKey)),
	))
}

// Link records relatedKey in ks. It returns an *AlreadyLinkedError if relatedKey is already
// linked and a *StoreError if the datastore fails. If the timeline write fails after the
// pointer was written, ks is left half-written and the error is returned as is.
func (e *Engine) Link(ctx context.Context, ks Keyspace, relatedKey []byte) (err error) {
	ctx, span := startSpan(ctx, "relation.Link", ks, relatedKey)
	defer span.End()

	start := time.Now()
	defer func() {
		observe("link", start, err)
		if err != nil && !errors.Is(err, ErrAlreadyLinked) {
			telemetry.TraceError(span, err)
		}
	}()

	if len(relatedKey) == 0 {
		return &StoreError{Op: "link", Keyspace: ks, Err: storage.ErrInvalidKey}
	}

	unlock := e.lock(ks)
	defer unlock()

	pointerKey := ks.PointerKey(relatedKey)
	if _, err := ks.store.Get(ctx, pointerKey); err == nil {
		return &AlreadyLinkedError{Keyspace: ks, Key: relatedKey}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return &StoreError{Op: "lookup pointer", Keyspace: ks, Err: err}
	}

	ts := e.clock.Next()
	timelineKey := ks.TimelineKey(ts)

	if bw, ok := e.batchWriter(ks); ok {
		if err := bw.Write(ctx,
			storage.PutOperation(pointerKey, ts.Bytes()),
			storage.PutOperation(timelineKey, relatedKey),
		); err != nil {
			return &StoreError{Op: "write keyspace", Keyspace: ks, Err: err}
		}
	} else {
		if err := ks.store.Put(ctx, pointerKey, ts.Bytes()); err != nil {
			return &StoreError{Op: "put pointer", Keyspace: ks, Err: err}
		}

		if err := ks.store.Put(ctx, timelineKey, relatedKey); err != nil {
			e.halfWritten(ctx, "link", ks, relatedKey, err)
			return &StoreError{Op: "put timeline", Keyspace: ks, Err: err}
		}
	}

	e.logger.DebugWithContext(ctx, "linked",
		zap.String("keyspace", ks.String()),
		zap.String("related_key", keys.Format(relatedKey)),
		zap.Stringer("timestamp", ts))

	return nil
}

// Unlink removes relatedKey from ks. It returns a *NotFoundError if relatedKey is not linked
// and a *StoreError if the datastore fails. If the pointer delete fails after the timeline
// entry was deleted, ks is left half-written and the error is returned as is.
func (e *Engine) Unlink(ctx context.Context, ks Keyspace, relatedKey []byte) (err error) {
	ctx, span := startSpan(ctx, "relation.Unlink", ks, relatedKey)
	defer span.End()

	start := time.Now()
	defer func() {
		observe("unlink", start, err)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			telemetry.TraceError(span, err)
		}
	}()

	if len(relatedKey) == 0 {
		return &StoreError{Op: "unlink", Keyspace: ks, Err: storage.ErrInvalidKey}
	}

	unlock := e.lock(ks)
	defer unlock()

	pointerKey := ks.PointerKey(relatedKey)
	raw, err := ks.store.Get(ctx, pointerKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &NotFoundError{Keyspace: ks, Key: relatedKey}
	case err != nil:
		return &StoreError{Op: "lookup pointer", Keyspace: ks, Err: err}
	}

	ts, err := ParseTimestamp(raw)
	if err != nil {
		return &StoreError{Op: "decode pointer", Keyspace: ks, Err: err}
	}
	timelineKey := ks.TimelineKey(ts)

	if bw, ok := e.batchWriter(ks); ok {
		if err := bw.Write(ctx,
			storage.DeleteOperation(timelineKey),
			storage.DeleteOperation(pointerKey),
		); err != nil {
			return &StoreError{Op: "write keyspace", Keyspace: ks, Err: err}
		}
	} else {
		if err := ks.store.Delete(ctx, timelineKey); err != nil {
			return &StoreError{Op: "delete timeline", Keyspace: ks, Err: err}
		}

		if err := ks.store.Delete(ctx, pointerKey); err != nil {
			e.halfWritten(ctx, "unlink", ks, relatedKey, err)
			return &StoreError{Op: "delete pointer", Keyspace: ks, Err: err}
		}
	}

	e.logger.DebugWithContext(ctx, "unlinked",
		zap.String("keyspace", ks.String()),
		zap.String("related_key", keys.Format(relatedKey)),
		zap.Stringer("timestamp", ts))

	return nil
}

func (e *Engine) halfWritten(ctx context.Context, op string, ks Keyspace, relatedKey []byte, err error) {
	halfWrittenCounter.Inc()
	e.logger.WarnWithContext(ctx, "relation keyspace left half-written",
		zap.String("operation", op),
		zap.String("keyspace", ks.String()),
		zap.String("related_key", keys.Format(relatedKey)),
		zap.Error(err))
}
