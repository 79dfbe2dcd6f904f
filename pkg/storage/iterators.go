package storage

import (
	"context"
	"errors"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. If the context is cancelled or times out, it should return ErrIteratorDone
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

// KVIterator is an iterator over key-value pairs in ascending key order. It is closed by
// explicitly calling Stop() or by calling Next() until it returns an ErrIteratorDone error.
type KVIterator = Iterator[*KV]

type staticIterator[T any] struct {
	items []T
}

var _ KVIterator = (*staticIterator[*KV])(nil)

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var val T
	select {
	case <-ctx.Done():
		return val, ErrIteratorDone
	default:
		if len(s.items) == 0 {
			return val, ErrIteratorDone
		}

		next, rest := s.items[0], s.items[1:]
		s.items = rest

		return next, nil
	}
}

func (s *staticIterator[T]) Stop() {
	s.items = nil
}

// NewStaticIterator returns an Iterator that iterates over the provided slice.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

// NewStaticKVIterator returns a KVIterator that iterates over the provided pairs.
func NewStaticKVIterator(kvs []*KV) KVIterator {
	return NewStaticIterator(kvs)
}

// FilterFunc reports whether a value yielded by an iterator should be kept.
type FilterFunc[T any] func(T) bool

type filteredIterator[T any] struct {
	iter   Iterator[T]
	filter FilterFunc[T]
}

// Next returns the next value in the underlying iterator that meets
// the filter function this iterator was constructed with.
func (f *filteredIterator[T]) Next(ctx context.Context) (T, error) {
	for {
		val, err := f.iter.Next(ctx)
		if err != nil {
			return val, err
		}

		if f.filter(val) {
			return val, nil
		}
	}
}

func (f *filteredIterator[T]) Stop() {
	f.iter.Stop()
}

// NewFilteredIterator returns an iterator that skips every value that doesn't meet the
// conditions of filter.
func NewFilteredIterator[T any](iter Iterator[T], filter FilterFunc[T]) Iterator[T] {
	return &filteredIterator[T]{iter, filter}
}

// MapFunc converts a value yielded by an iterator. An error returned by the func is
// returned from Next and iteration may continue.
type MapFunc[T, U any] func(T) (U, error)

type mappedIterator[T, U any] struct {
	iter Iterator[T]
	fn   MapFunc[T, U]
}

func (m *mappedIterator[T, U]) Next(ctx context.Context) (U, error) {
	val, err := m.iter.Next(ctx)
	if err != nil {
		var zero U
		return zero, err
	}

	return m.fn(val)
}

func (m *mappedIterator[T, U]) Stop() {
	m.iter.Stop()
}

// NewMappedIterator returns an iterator that yields fn applied to each value of iter.
func NewMappedIterator[T, U any](iter Iterator[T], fn MapFunc[T, U]) Iterator[U] {
	return &mappedIterator[T, U]{iter, fn}
}

// Collect drains iter into a slice and stops it. It returns the first error that is not
// ErrIteratorDone.
func Collect[T any](ctx context.Context, iter Iterator[T]) ([]T, error) {
	defer iter.Stop()

	var out []T
	for {
		val, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}

			return out, err
		}

		out = append(out, val)
	}
}
