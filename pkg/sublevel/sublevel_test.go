package sublevel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/internal/mocks"
	"github.com/openfga/kvrel/pkg/logger"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/memory"
)

type user struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Team  *team  `json:"team,omitempty"`
}

type team struct {
	Slug string `json:"slug"`
}

// unbatched hides the BatchWriter implementation of the wrapped datastore.
type unbatched struct {
	storage.KVStore
}

func TestSublevelHierarchy(t *testing.T) {
	root := New(memory.New())
	require.Empty(t, root.Name())
	require.Equal(t, "/", root.Path())
	require.Empty(t, root.Prefix())

	users := root.Sublevel("users")
	require.Same(t, users, root.Sublevel("users"))
	require.Equal(t, "users", users.Name())
	require.Equal(t, "/users", users.Path())
	require.Equal(t, keys.Namespace(nil, "users"), users.Prefix())

	archived := users.Sublevel("archived")
	require.Equal(t, "/users/archived", archived.Path())
	require.Equal(t, "/users/archived", keys.Format(archived.Prefix()))
	require.Same(t, root.Store(), archived.Store())
	require.Equal(t, "json", archived.Codec().Name())

	require.Panics(t, func() { root.Sublevel("") })
	require.Panics(t, func() { root.Sublevel("relations") })
	require.Panics(t, func() { users.Sublevel("indexes") })
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	l, logs := logger.NewObserverLogger("debug")
	users := New(memory.New(), WithLogger(l)).Sublevel("users")

	require.NoError(t, users.Put(ctx, "1", user{Name: "ada"}))
	require.Equal(t, 1, logs.FilterMessage("sublevel item written").Len())

	var got user
	require.NoError(t, users.Get(ctx, "1", &got))
	require.Equal(t, user{Name: "ada"}, got)

	raw, err := users.GetRaw(ctx, "1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"ada"}`, string(raw))

	got = user{}
	require.NoError(t, users.GetByKey(ctx, users.Key("1"), &got))
	require.Equal(t, "ada", got.Name)

	require.NoError(t, users.Delete(ctx, "1"))
	require.ErrorIs(t, users.Get(ctx, "1", &got), storage.ErrNotFound)
	require.NoError(t, users.Delete(ctx, "1"))

	require.ErrorIs(t, users.Put(ctx, "", user{}), ErrInvalidID)
	_, err = users.GetRaw(ctx, "")
	require.ErrorIs(t, err, ErrInvalidID)
	require.ErrorIs(t, users.Delete(ctx, ""), ErrInvalidID)
}

func TestPutUnencodable(t *testing.T) {
	users := New(memory.New()).Sublevel("users")
	err := users.Put(context.Background(), "1", make(chan int))
	require.ErrorContains(t, err, `encode item "1"`)
}

func TestKeys(t *testing.T) {
	root := New(memory.New())
	users := root.Sublevel("users")
	posts := root.Sublevel("posts")

	require.Equal(t, "/users/1", keys.Format(users.Key("1")))

	key := users.Key("a\x00b")

	id, err := users.IDFromKey(key)
	require.NoError(t, err)
	require.Equal(t, "a\x00b", id)

	_, err = posts.IDFromKey(key)
	require.ErrorIs(t, err, ErrUnresolvable)

	_, err = root.IDFromKey(key)
	require.ErrorIs(t, err, ErrUnresolvable)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	users := New(memory.New()).Sublevel("users").Index("name")
	archived := users.Sublevel("archived")

	require.NoError(t, users.Put(ctx, "2", user{Name: "bob"}))
	require.NoError(t, users.Put(ctx, "1", user{Name: "ada"}))
	require.NoError(t, archived.Put(ctx, "3", user{Name: "eve"}))

	iter, err := users.Scan(ctx)
	require.NoError(t, err)
	entries, err := storage.Collect(ctx, iter)
	require.NoError(t, err)

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"1", "2"}, ids); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
	require.JSONEq(t, `{"name":"ada"}`, string(entries[0].Value))
}

func TestIndexes(t *testing.T) {
	for name, store := range map[string]storage.KVStore{
		"batched":   memory.New(),
		"unbatched": unbatched{memory.New()},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			users := New(store).Sublevel("users").Index("email").Index("team.slug").Index("email")
			require.Equal(t, []string{"email", "team.slug"}, users.Indexes())

			require.NoError(t, users.Put(ctx, "1", user{Name: "ada", Email: "ada@example.com", Team: &team{Slug: "core"}}))
			require.NoError(t, users.Put(ctx, "2", user{Name: "bob", Team: &team{Slug: "core"}}))

			ids, err := users.FindBy(ctx, "email", "ada@example.com")
			require.NoError(t, err)
			require.Equal(t, []string{"1"}, ids)

			ids, err = users.FindBy(ctx, "team.slug", "core")
			require.NoError(t, err)
			require.Equal(t, []string{"1", "2"}, ids)

			// overwrite removes the stale entry
			require.NoError(t, users.Put(ctx, "1", user{Name: "ada", Email: "ada@kvrel.dev"}))
			ids, err = users.FindBy(ctx, "email", "ada@example.com")
			require.NoError(t, err)
			require.Empty(t, ids)
			ids, err = users.FindBy(ctx, "team.slug", "core")
			require.NoError(t, err)
			require.Equal(t, []string{"2"}, ids)

			require.NoError(t, users.Delete(ctx, "2"))
			ids, err = users.FindBy(ctx, "team.slug", "core")
			require.NoError(t, err)
			require.Empty(t, ids)

			_, err = users.FindBy(ctx, "name", "ada")
			require.ErrorIs(t, err, ErrUnresolvable)
		})
	}
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	root := New(memory.New())
	users := root.Sublevel("users").Index("email").Index("name")
	posts := root.Sublevel("posts")

	require.NoError(t, users.Put(ctx, "1", user{Name: "ada", Email: "ada@example.com"}))
	require.NoError(t, users.Put(ctx, "2", user{Name: "bob"}))
	require.NoError(t, posts.Put(ctx, "1", map[string]string{"title": "hello"}))

	tests := []struct {
		name        string
		sublevel    *Sublevel
		item        any
		expectedID  string
		expectedErr error
	}{
		{name: "id", sublevel: users, item: "1", expectedID: "1"},
		{name: "missing_id", sublevel: users, item: "9", expectedErr: storage.ErrNotFound},
		{name: "empty_id", sublevel: users, item: "", expectedErr: ErrInvalidID},
		{name: "key", sublevel: users, item: users.Key("2"), expectedID: "2"},
		{name: "missing_key", sublevel: users, item: users.Key("9"), expectedErr: storage.ErrNotFound},
		{name: "foreign_key", sublevel: users, item: posts.Key("1"), expectedErr: ErrUnresolvable},
		{name: "first_index", sublevel: users, item: user{Name: "bob", Email: "ada@example.com"}, expectedID: "1"},
		{name: "fallback_index", sublevel: users, item: user{Name: "bob", Email: "nobody@example.com"}, expectedID: "2"},
		{name: "raw_json", sublevel: users, item: json.RawMessage(`{"name":"bob"}`), expectedID: "2"},
		{name: "no_match", sublevel: users, item: user{Name: "eve"}, expectedErr: storage.ErrNotFound},
		{name: "no_applicable_index", sublevel: users, item: map[string]int{"age": 3}, expectedErr: ErrUnresolvable},
		{name: "no_index", sublevel: posts, item: map[string]string{"title": "hello"}, expectedErr: ErrUnresolvable},
		{name: "nil", sublevel: users, item: nil, expectedErr: ErrUnresolvable},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id, err := test.sublevel.Find(ctx, test.item)
			if test.expectedErr != nil {
				require.ErrorIs(t, err, test.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.expectedID, id)
		})
	}
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("put_propagates_lookup_error", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockDatastore := mocks.NewMockKVStore(mockController)
		users := New(mockDatastore).Sublevel("users").Index("email")
		mockDatastore.EXPECT().Get(gomock.Any(), users.Key("1")).Return(nil, boom)

		require.ErrorIs(t, users.Put(ctx, "1", user{Email: "a"}), boom)
	})

	t.Run("unbatched_put_stops_at_first_error", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockDatastore := mocks.NewMockKVStore(mockController)
		users := New(mockDatastore).Sublevel("users")
		mockDatastore.EXPECT().Put(gomock.Any(), users.Key("1"), gomock.Any()).Return(boom)

		require.ErrorIs(t, users.Put(ctx, "1", user{Name: "ada"}), boom)
	})

	t.Run("find_propagates_lookup_error", func(t *testing.T) {
		mockController := gomock.NewController(t)
		defer mockController.Finish()

		mockDatastore := mocks.NewMockKVStore(mockController)
		users := New(mockDatastore).Sublevel("users")
		mockDatastore.EXPECT().Get(gomock.Any(), users.Key("1")).Return(nil, boom)

		_, err := users.Find(ctx, "1")
		require.ErrorIs(t, err, boom)
	})
}
