package relation

import (
	"errors"
	"fmt"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/storage"
)

var (
	// ErrAlreadyLinked is matched by every *AlreadyLinkedError.
	ErrAlreadyLinked = errors.New("already linked")

	// ErrMalformedBatch is returned by Execute when the task queue does not consist of
	// (verb, name) pairs, or when Also has no preceding verb.
	ErrMalformedBatch = errors.New("malformed relation batch")

	ErrInvalidRelationName = errors.New("invalid relation name")
	ErrInvalidOwner        = errors.New("invalid relation owner")
)

// AlreadyLinkedError is returned by Link when the related key is already in the pointer table.
type AlreadyLinkedError struct {
	Keyspace Keyspace
	Key      []byte
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("already linked key %q in %q", keys.Format(e.Key), e.Keyspace.String())
}

func (e *AlreadyLinkedError) Unwrap() error {
	return ErrAlreadyLinked
}

// NotFoundError is returned by Unlink when the related key is not in the pointer table. It
// unwraps to storage.ErrNotFound.
type NotFoundError struct {
	Keyspace Keyspace
	Key      []byte
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key %q not found in %q", keys.Format(e.Key), e.Keyspace.String())
}

func (e *NotFoundError) Unwrap() error {
	return storage.ErrNotFound
}

// StoreError reports a datastore failure while operating on a keyspace.
type StoreError struct {
	Op       string
	Keyspace Keyspace
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Keyspace.String(), e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ResolveError is yielded by a relation iterator when a single related key cannot be
// resolved. The iterator remains usable.
type ResolveError struct {
	Key []byte
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %v", keys.Format(e.Key), e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// TaskError wraps the failure of one (verb, name) pair of a batch.
type TaskError struct {
	// Index is the position of the verb task in the queue.
	Index int
	Task  Task
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d (%s): %v", e.Index, e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
