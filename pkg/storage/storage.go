//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks storage

// Package storage defines the ordered key-value datastore consumed by kvrel and the iterator
// types shared by every backend.
package storage

import (
	"context"
)

const (
	// DefaultPageSize is the number of entries a backend fetches per round trip while
	// iterating a range.
	DefaultPageSize = 100

	// DefaultMaxOperationsPerWrite bounds the number of operations accepted by a single
	// [BatchWriter].Write call.
	DefaultMaxOperationsPerWrite = 100
)

// KV is a single key-value pair yielded by a [KVIterator].
type KV struct {
	Key   []byte
	Value []byte
}

// ScanOptions configures a [KVReader].Scan.
type ScanOptions struct {
	// PageSize is the number of entries fetched from the backend at a time. If zero,
	// DefaultPageSize is used. Iteration is lazy regardless of the page size.
	PageSize int

	// KeysOnly skips loading values; the yielded [KV].Value is nil.
	KeysOnly bool
}

// OperationKind is the kind of a write [Operation].
type OperationKind int

const (
	OperationPut OperationKind = iota
	OperationDelete
)

func (k OperationKind) String() string {
	switch k {
	case OperationPut:
		return "put"
	case OperationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is a single write within a [BatchWriter].Write call.
type Operation struct {
	Kind  OperationKind
	Key   []byte
	Value []byte
}

// PutOperation returns an Operation that writes value at key.
func PutOperation(key, value []byte) Operation {
	return Operation{Kind: OperationPut, Key: key, Value: value}
}

// DeleteOperation returns an Operation that removes key.
func DeleteOperation(key []byte) Operation {
	return Operation{Kind: OperationDelete, Key: key}
}

// KVReader is the read side of an ordered key-value datastore.
type KVReader interface {
	// Get returns the value stored at key. If the key does not exist it returns ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Scan returns an iterator over every entry whose key starts with prefix, in ascending
	// byte order of the keys. The iterator is lazy: implementations fetch entries in pages
	// and must tolerate writes happening while the iteration is in progress. An empty
	// prefix is rejected with ErrInvalidKey.
	Scan(ctx context.Context, prefix []byte, opts ScanOptions) (KVIterator, error)
}

// KVWriter is the write side of an ordered key-value datastore.
type KVWriter interface {
	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting a key that does not exist is not an error.
	Delete(ctx context.Context, key []byte) error
}

// BatchWriter is implemented by datastores that can apply several writes atomically.
type BatchWriter interface {
	// Write applies all operations or none of them. It returns ErrExceededWriteBatchLimit
	// if more than MaxOperationsPerWrite operations are given.
	Write(ctx context.Context, ops ...Operation) error

	// MaxOperationsPerWrite returns the maximum number of operations allowed in a single write.
	// Wrappers around datastores that cannot batch return 0.
	MaxOperationsPerWrite() int
}

// AsBatchWriter returns ds as a BatchWriter if it can apply atomic batches.
func AsBatchWriter(ds KVStore) (BatchWriter, bool) {
	bw, ok := ds.(BatchWriter)
	if !ok || bw.MaxOperationsPerWrite() <= 0 {
		return nil, false
	}

	return bw, true
}

// KVStore is an ordered key-value datastore.
type KVStore interface {
	KVReader
	KVWriter

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string

	IsReady bool
}
