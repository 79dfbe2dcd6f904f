package relation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/storage/memory"
	"github.com/openfga/kvrel/pkg/sublevel"
)

func TestDeriveKeyspace(t *testing.T) {
	root := sublevel.New(memory.New())
	users := root.Sublevel("users")
	posts := root.Sublevel("posts")

	ks, err := DeriveKeyspace(users, "posts", "1")
	require.NoError(t, err)
	require.Equal(t, "/users", ks.Owner)
	require.Equal(t, "posts", ks.Name)
	require.Equal(t, "1", ks.OwnerID)
	require.Equal(t, "/users/relations/posts/1", ks.String())
	require.Equal(t, "/users/relations/posts/1/pointers//posts/2", keys.Format(ks.PointerKey(posts.Key("2"))))

	again, err := DeriveKeyspace(users, "posts", "1")
	require.NoError(t, err)
	require.True(t, ks.Equal(again))
	require.Equal(t, ks.PointerKey(posts.Key("2")), again.PointerKey(posts.Key("2")))

	other, err := DeriveKeyspace(users, "posts", "10")
	require.NoError(t, err)
	require.False(t, ks.Equal(other))
	require.False(t, bytes.HasPrefix(other.PointerKey(posts.Key("2")), ks.PointersPrefix()))
	require.False(t, bytes.HasPrefix(other.TimelineKey(NewClock().Next()), ks.TimelinePrefix()))

	likes, err := DeriveKeyspace(users, "likes", "1")
	require.NoError(t, err)
	require.False(t, ks.Equal(likes))

	// relation entries live outside the item range of the owning sublevel
	require.False(t, bytes.HasPrefix(ks.PointerKey(posts.Key("2")), keys.ItemPrefix(users.Prefix())))
}

func TestDeriveKeyspaceErrors(t *testing.T) {
	users := sublevel.New(memory.New()).Sublevel("users")

	_, err := DeriveKeyspace(users, "", "1")
	require.ErrorIs(t, err, ErrInvalidRelationName)

	_, err = DeriveKeyspace(users, "posts", "")
	require.ErrorIs(t, err, ErrInvalidOwner)

	_, err = DeriveKeyspace(nil, "posts", "1")
	require.ErrorIs(t, err, ErrInvalidOwner)
}

func TestKeyspaceDecodesEntries(t *testing.T) {
	root := sublevel.New(memory.New())
	ks, err := DeriveKeyspace(root.Sublevel("users"), "posts", "1")
	require.NoError(t, err)

	related := root.Sublevel("posts").Key("2")
	got, err := ks.relatedKeyFromPointer(ks.PointerKey(related))
	require.NoError(t, err)
	require.Equal(t, related, got)

	ts := NewClock().Next()
	parsed, err := ks.timestampFromTimeline(ks.TimelineKey(ts))
	require.NoError(t, err)
	require.Equal(t, ts, parsed)

	_, err = ks.relatedKeyFromPointer(related)
	require.ErrorIs(t, err, keys.ErrMalformedKey)

	_, err = ks.timestampFromTimeline(keys.Item(ks.timeline, []byte("not a timestamp")))
	require.Error(t, err)
}

func TestTimelineKeysSortByTimestamp(t *testing.T) {
	ks, err := DeriveKeyspace(sublevel.New(memory.New()).Sublevel("users"), "posts", "1")
	require.NoError(t, err)

	clock := NewClock()
	previous := ks.TimelineKey(clock.Next())
	for range 100 {
		next := ks.TimelineKey(clock.Next())
		require.Equal(t, 1, bytes.Compare(next, previous))
		previous = next
	}
}
