package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// ErrInvalidKey if a key or scan prefix is empty.
	ErrInvalidKey = errors.New("invalid key")

	// ErrExceededWriteBatchLimit if MaxOperationsPerWrite is exceeded.
	ErrExceededWriteBatchLimit = errors.New("number of operations exceeded write batch limit")

	// ErrTransactionalWriteFailed if a batch write could not be committed.
	ErrTransactionalWriteFailed = errors.New("transactional write failed")

	// ErrBatchWriteUnsupported if a wrapper is asked to batch writes for a datastore that
	// does not implement BatchWriter.
	ErrBatchWriteUnsupported = errors.New("datastore does not support batch writes")

	ErrCancelled = errors.New("request has been cancelled")
)

// ExceededMaxOperationsPerWriteError returns an error that wraps ErrExceededWriteBatchLimit.
func ExceededMaxOperationsPerWriteError(count, limit int) error {
	return fmt.Errorf("%w: %d operations, limit is %d", ErrExceededWriteBatchLimit, count, limit)
}

// ValidateKey returns ErrInvalidKey if key is empty.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}

	return nil
}

// ValidateOperations checks every operation of a batch and the batch size.
func ValidateOperations(ops []Operation, limit int) error {
	if len(ops) > limit {
		return ExceededMaxOperationsPerWriteError(len(ops), limit)
	}

	for _, op := range ops {
		if err := ValidateKey(op.Key); err != nil {
			return err
		}

		if op.Kind != OperationPut && op.Kind != OperationDelete {
			return fmt.Errorf("unknown operation kind %d: %w", op.Kind, ErrInvalidKey)
		}
	}

	return nil
}
