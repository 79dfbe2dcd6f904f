package relation

import (
	"bytes"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/sublevel"
)

const (
	relationsNamespace = "relations"
	pointersNamespace  = "pointers"
	timelineNamespace  = "timeline"
)

// Keyspace addresses the two tables of one relation of one owner item:
//
//	<owner prefix>/relations/<name>/<owner id>/pointers/<related key> -> timestamp
//	<owner prefix>/relations/<name>/<owner id>/timeline/<timestamp>   -> related key
//
// A related key is in the pointer table if and only if its timestamp is in the timeline.
type Keyspace struct {
	// Owner is the path of the owning sublevel, e.g. "/users".
	Owner   string
	Name    string
	OwnerID string

	store    storage.KVStore
	root     []byte
	pointers []byte
	timeline []byte
}

// DeriveKeyspace returns the keyspace of relation name for the item ownerID of owner. The
// same arguments always address the same ranges.
func DeriveKeyspace(owner *sublevel.Sublevel, name, ownerID string) (Keyspace, error) {
	if name == "" {
		return Keyspace{}, ErrInvalidRelationName
	}
	if owner == nil || ownerID == "" {
		return Keyspace{}, ErrInvalidOwner
	}

	root := keys.Namespace(owner.Prefix(), relationsNamespace)
	root = keys.Namespace(root, name)
	root = keys.Item(root, []byte(ownerID))

	return Keyspace{
		Owner:    owner.Path(),
		Name:     name,
		OwnerID:  ownerID,
		store:    owner.Store(),
		root:     root,
		pointers: keys.Namespace(root, pointersNamespace),
		timeline: keys.Namespace(root, timelineNamespace),
	}, nil
}

// Store returns the datastore holding the keyspace.
func (k Keyspace) Store() storage.KVStore {
	return k.store
}

// PointerKey returns the pointer table key of relatedKey.
func (k Keyspace) PointerKey(relatedKey []byte) []byte {
	return keys.Item(k.pointers, relatedKey)
}

// TimelineKey returns the timeline key of ts.
func (k Keyspace) TimelineKey(ts Timestamp) []byte {
	return keys.Item(k.timeline, ts.Bytes())
}

// PointersPrefix returns the scan prefix of the pointer table.
func (k Keyspace) PointersPrefix() []byte {
	return keys.ItemPrefix(k.pointers)
}

// TimelinePrefix returns the scan prefix of the timeline.
func (k Keyspace) TimelinePrefix() []byte {
	return keys.ItemPrefix(k.timeline)
}

func (k Keyspace) relatedKeyFromPointer(key []byte) ([]byte, error) {
	return keys.TrimItem(key, k.pointers)
}

func (k Keyspace) timestampFromTimeline(key []byte) (Timestamp, error) {
	raw, err := keys.TrimItem(key, k.timeline)
	if err != nil {
		return Timestamp{}, err
	}

	return ParseTimestamp(raw)
}

// Equal reports whether k and other address the same ranges.
func (k Keyspace) Equal(other Keyspace) bool {
	return bytes.Equal(k.root, other.root)
}

// String returns the human readable root of the keyspace, e.g. "/users/relations/posts/1".
func (k Keyspace) String() string {
	return keys.Format(k.root)
}
