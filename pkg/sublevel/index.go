package sublevel

import (
	"context"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/storage"
)

const indexesNamespace = "indexes"

// Index registers a secondary index on field, a gjson path into the encoded items. Items
// written after the registration are indexed; items already stored are not. Registering the
// same field twice is a no-op.
func (s *Sublevel) Index(field string) *Sublevel {
	if field == "" {
		return s
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.indexes, field) {
		s.indexes = append(s.indexes, field)
	}

	return s
}

// Indexes returns the indexed fields in registration order.
func (s *Sublevel) Indexes() []string {
	return s.registeredIndexes()
}

func (s *Sublevel) registeredIndexes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.indexes)
}

func (s *Sublevel) indexValuePrefix(field, value string) []byte {
	prefix := keys.Namespace(s.prefix, indexesNamespace)
	prefix = keys.Namespace(prefix, field)
	return keys.Item(prefix, []byte(value))
}

func indexValue(raw []byte, field string) (string, bool) {
	if raw == nil {
		return "", false
	}

	r := gjson.GetBytes(raw, field)
	if !r.Exists() {
		return "", false
	}
	if r.IsObject() || r.IsArray() {
		return r.Raw, true
	}

	return r.String(), true
}

// indexOperations returns the writes that move the index entries of id from the encoded
// item previous to the encoded item next. Either may be nil.
func (s *Sublevel) indexOperations(id string, previous, next []byte) []storage.Operation {
	var ops []storage.Operation
	for _, field := range s.registeredIndexes() {
		oldValue, hadOld := indexValue(previous, field)
		newValue, hasNew := indexValue(next, field)

		if hadOld && (!hasNew || oldValue != newValue) {
			ops = append(ops, storage.DeleteOperation(keys.Item(s.indexValuePrefix(field, oldValue), []byte(id))))
		}
		if hasNew {
			ops = append(ops, storage.PutOperation(keys.Item(s.indexValuePrefix(field, newValue), []byte(id)), []byte(id)))
		}
	}

	return ops
}

// FindBy returns the ids of the items whose indexed field equals value, in ascending id byte
// order. field must have been registered with Index.
func (s *Sublevel) FindBy(ctx context.Context, field, value string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "sublevel.FindBy")
	defer span.End()

	if !slices.Contains(s.registeredIndexes(), field) {
		return nil, fmt.Errorf("%w: no index on %q", ErrUnresolvable, field)
	}

	valuePrefix := s.indexValuePrefix(field, value)
	iter, err := s.store.Scan(ctx, keys.ItemPrefix(valuePrefix), storage.ScanOptions{KeysOnly: true})
	if err != nil {
		return nil, err
	}

	return storage.Collect(ctx, storage.NewMappedIterator(iter, func(kv *storage.KV) (string, error) {
		id, err := keys.TrimItem(kv.Key, valuePrefix)
		if err != nil {
			return "", err
		}
		return string(id), nil
	}))
}

func (s *Sublevel) findByIndexes(ctx context.Context, item any) (string, error) {
	raw, err := s.codec.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	applicable := false
	for _, field := range s.registeredIndexes() {
		value, ok := indexValue(raw, field)
		if !ok {
			continue
		}
		applicable = true

		ids, err := s.FindBy(ctx, field, value)
		if err != nil {
			return "", err
		}
		if len(ids) > 0 {
			return ids[0], nil
		}
	}

	if !applicable {
		return "", ErrUnresolvable
	}

	return "", storage.ErrNotFound
}
