package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndDecode(t *testing.T) {
	key := Namespace(nil, "users")
	key = Item(key, []byte("1"))
	key = Namespace(key, "relations")
	key = Item(key, []byte{0x00, 'a', 0x00})

	segments, err := Decode(key)
	require.NoError(t, err)
	require.Equal(t, []Segment{
		{Kind: KindNamespace, Value: []byte("users")},
		{Kind: KindItem, Value: []byte("1")},
		{Kind: KindNamespace, Value: []byte("relations")},
		{Kind: KindItem, Value: []byte{0x00, 'a', 0x00}},
	}, segments)
}

func TestAppendDoesNotModifyPrefix(t *testing.T) {
	prefix := make([]byte, 0, 64)
	prefix = Namespace(prefix, "users")
	before := bytes.Clone(prefix)

	a := Item(prefix, []byte("a"))
	b := Item(prefix, []byte("b"))

	require.Equal(t, before, prefix)
	require.NotEqual(t, a, b)
}

func TestEmptySegment(t *testing.T) {
	key := Item(nil, []byte{})

	segments, err := Decode(key)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	require.Empty(t, segments[0].Value)
	require.NotNil(t, segments[0].Value)
}

func TestEncodingPreservesOrder(t *testing.T) {
	values := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		{0x00, 0x01},
		{0x01},
		[]byte("a"),
		[]byte("a\x00"),
		[]byte("a\x00b"),
		[]byte("ab"),
		[]byte("b"),
		{0xFF},
		{0xFF, 0xFF},
	}

	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = Item(nil, v)
	}

	sorted := make([][]byte, len(encoded))
	copy(sorted, encoded)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	require.Equal(t, encoded, sorted)
}

func TestNamespaceAndItemNeverCollide(t *testing.T) {
	prefix := Namespace(nil, "users")

	relations := Namespace(prefix, "relations")
	item := Item(prefix, []byte("relations"))

	require.NotEqual(t, relations, item)
	require.False(t, bytes.HasPrefix(relations, ItemPrefix(prefix)))
	require.True(t, bytes.HasPrefix(item, ItemPrefix(prefix)))
}

func TestTrimItem(t *testing.T) {
	prefix := Namespace(nil, "pointers")
	nested := Item(Namespace(nil, "posts"), []byte("2"))

	t.Run("roundtrip", func(t *testing.T) {
		got, err := TrimItem(Item(prefix, nested), prefix)
		require.NoError(t, err)
		require.Equal(t, nested, got)
	})

	t.Run("outside_prefix", func(t *testing.T) {
		_, err := TrimItem(Item(Namespace(nil, "timeline"), nested), prefix)
		require.ErrorIs(t, err, ErrMalformedKey)
	})

	t.Run("trailing_segments", func(t *testing.T) {
		_, err := TrimItem(Item(Item(prefix, nested), []byte("x")), prefix)
		require.ErrorIs(t, err, ErrMalformedKey)
	})

	t.Run("namespace_instead_of_item", func(t *testing.T) {
		_, err := TrimItem(Namespace(prefix, "x"), prefix)
		require.ErrorIs(t, err, ErrMalformedKey)
	})
}

func TestDecodeMalformed(t *testing.T) {
	tests := map[string][]byte{
		"unknown_kind":       {0x07, 'a', 0x00, 0x01},
		"missing_terminator": {byte(KindItem), 'a'},
		"truncated_escape":   {byte(KindItem), 'a', 0x00},
		"invalid_escape":     {byte(KindItem), 'a', 0x00, 0x05},
	}

	for name, key := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(key)
			require.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), PrefixEnd([]byte("a")))
	require.Equal(t, []byte{0x01, 0x03}, PrefixEnd([]byte{0x01, 0x02, 0xFF}))
	require.Nil(t, PrefixEnd([]byte{0xFF, 0xFF}))
	require.Nil(t, PrefixEnd(nil))

	prefix := Namespace(nil, "users")
	end := PrefixEnd(prefix)
	require.Negative(t, bytes.Compare(Item(prefix, []byte{0xFF, 0xFF}), end))
	require.Positive(t, bytes.Compare(Namespace(nil, "usersx"), prefix))
}

func TestFormat(t *testing.T) {
	users := Namespace(nil, "users")
	posts := Namespace(nil, "posts")
	related := Item(posts, []byte("2"))

	key := Namespace(users, "relations")
	key = Namespace(key, "posts")
	key = Item(key, []byte("1"))
	key = Namespace(key, "pointers")
	key = Item(key, related)

	require.Equal(t, "/users/relations/posts/1/pointers//posts/2", Format(key))
	require.Equal(t, "/ts/00ff", Format(Item(Namespace(nil, "ts"), []byte{0x00, 0xFF})))
	require.Equal(t, `"\a"`, Format([]byte{0x07}))
}

func TestHash(t *testing.T) {
	a := Item(nil, []byte("a"))
	b := Item(nil, []byte("b"))

	require.Equal(t, Hash(a), Hash(bytes.Clone(a)))
	require.NotEqual(t, Hash(a), Hash(b))
}
