// Package test holds the relation scenarios every datastore must pass.
package test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/relation"
	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/sublevel"
)

type User struct {
	Username string `json:"username"`
}

type Post struct {
	Title string `json:"title"`
}

// RunAllTests runs the relation scenarios against ds. Every scenario works below its own
// root sublevel, so ds may be shared with other tests.
func RunAllTests(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	t.Run("TestSingleLinkRoundTrip", func(t *testing.T) { SingleLinkRoundTripTest(t, ds, opts...) })
	t.Run("TestDuplicateLinkRejected", func(t *testing.T) { DuplicateLinkRejectedTest(t, ds, opts...) })
	t.Run("TestUnlinkNeverLinked", func(t *testing.T) { UnlinkNeverLinkedTest(t, ds, opts...) })
	t.Run("TestRelinkFreshTimestamp", func(t *testing.T) { RelinkFreshTimestampTest(t, ds, opts...) })
	t.Run("TestInsertionOrder", func(t *testing.T) { InsertionOrderTest(t, ds, opts...) })
	t.Run("TestBidirectional", func(t *testing.T) { BidirectionalTest(t, ds, opts...) })
	t.Run("TestUsersPosts", func(t *testing.T) { UsersPostsTest(t, ds, opts...) })
	t.Run("TestOwnerIsolation", func(t *testing.T) { OwnerIsolationTest(t, ds, opts...) })
	t.Run("TestMissingRelatedItem", func(t *testing.T) { MissingRelatedItemTest(t, ds, opts...) })
}

type fixture struct {
	engine *relation.Engine
	users  *sublevel.Sublevel
	posts  *sublevel.Sublevel
}

func newFixture(t *testing.T, ds storage.KVStore, opts ...relation.Option) fixture {
	t.Helper()

	root := sublevel.New(ds).Sublevel(ulid.Make().String())
	return fixture{
		engine: relation.NewEngine(opts...),
		users:  root.Sublevel("users").Index("username"),
		posts:  root.Sublevel("posts").Index("title"),
	}
}

func collect(t *testing.T, resolver *relation.Resolver, item any, opts ...relation.ByOption) []*relation.Related {
	t.Helper()

	ctx := context.Background()
	iter, err := resolver.By(ctx, item, opts...)
	require.NoError(t, err)

	related, err := storage.Collect(ctx, iter)
	require.NoError(t, err)
	return related
}

func ids(related []*relation.Related) []string {
	out := make([]string, 0, len(related))
	for _, r := range related {
		out = append(out, r.ID)
	}
	return out
}

func pointer(t *testing.T, ks relation.Keyspace, relatedKey []byte) (relation.Timestamp, bool) {
	t.Helper()

	raw, err := ks.Store().Get(context.Background(), ks.PointerKey(relatedKey))
	if errors.Is(err, storage.ErrNotFound) {
		return relation.Timestamp{}, false
	}
	require.NoError(t, err)

	ts, err := relation.ParseTimestamp(raw)
	require.NoError(t, err)
	return ts, true
}

func SingleLinkRoundTripTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	user := User{Username: "john"}
	post := Post{Title: "foobar"}
	require.NoError(t, f.users.Put(ctx, "1", user))
	require.NoError(t, f.posts.Put(ctx, "2", post))

	before := time.Now().Add(-time.Millisecond)
	require.NoError(t, f.engine.Relation(f.users, f.posts).Link(post).LinkedIn(user, "posts").Execute(ctx))

	ks, err := relation.DeriveKeyspace(f.users, "posts", "1")
	require.NoError(t, err)
	require.Equal(t, f.users.Path()+"/relations/posts/1/pointers/"+f.posts.Path()+"/2", keys.Format(ks.PointerKey(f.posts.Key("2"))))

	ts, ok := pointer(t, ks, f.posts.Key("2"))
	require.True(t, ok)
	require.False(t, ts.Time().Before(before.Truncate(time.Millisecond)))

	related, err := ds.Get(ctx, ks.TimelineKey(ts))
	require.NoError(t, err)
	require.Equal(t, f.posts.Key("2"), related)

	var got Post
	require.NoError(t, f.posts.GetByKey(ctx, related, &got))
	require.Equal(t, post, got)

	resolver, ok := f.engine.Accessor(f.users, "posts")
	require.True(t, ok)

	result := collect(t, resolver, user)
	require.Len(t, result, 1)
	require.Equal(t, "2", result[0].ID)
	require.Equal(t, 0, ts.Compare(result[0].Timestamp))
	got = Post{}
	require.NoError(t, result[0].Decode(&got))
	require.Equal(t, post, got)
}

func DuplicateLinkRejectedTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))
	require.NoError(t, f.posts.Put(ctx, "2", Post{Title: "foobar"}))
	require.NoError(t, f.engine.Relation(f.users, f.posts).Link("2").LinkedIn("1", "posts").Execute(ctx))

	ks, err := relation.DeriveKeyspace(f.users, "posts", "1")
	require.NoError(t, err)
	first, ok := pointer(t, ks, f.posts.Key("2"))
	require.True(t, ok)

	err = f.engine.Relation(f.users, f.posts).Link("2").LinkedIn("1", "posts").Execute(ctx)
	require.ErrorIs(t, err, relation.ErrAlreadyLinked)

	var alreadyLinked *relation.AlreadyLinkedError
	require.ErrorAs(t, err, &alreadyLinked)
	require.Equal(t, f.posts.Key("2"), alreadyLinked.Key)
	require.True(t, alreadyLinked.Keyspace.Equal(ks))

	second, ok := pointer(t, ks, f.posts.Key("2"))
	require.True(t, ok)
	require.Equal(t, first, second)

	resolver, _ := f.engine.Accessor(f.users, "posts")
	count, err := resolver.Count(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, collect(t, resolver, "1", relation.WithKeys(true)), 1)
}

func UnlinkNeverLinkedTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))
	require.NoError(t, f.posts.Put(ctx, "2", Post{Title: "foobar"}))

	err := f.engine.Relation(f.users, f.posts).Unlink("2").UnlinkedFrom("1", "posts").Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var notFound *relation.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, f.posts.Key("2"), notFound.Key)

	resolver, ok := f.engine.Accessor(f.users, "posts")
	require.True(t, ok)
	require.Empty(t, collect(t, resolver, "1"))
	require.Empty(t, collect(t, resolver, "1", relation.WithOrdered(false), relation.WithKeys(true)))
}

func RelinkFreshTimestampTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))
	require.NoError(t, f.posts.Put(ctx, "2", Post{Title: "foobar"}))
	ks, err := relation.DeriveKeyspace(f.users, "posts", "1")
	require.NoError(t, err)

	require.NoError(t, f.engine.Relation(f.users, f.posts).Link("2").LinkedIn("1", "posts").Execute(ctx))
	first, ok := pointer(t, ks, f.posts.Key("2"))
	require.True(t, ok)

	require.NoError(t, f.engine.Relation(f.users, f.posts).Unlink("2").UnlinkedFrom("1", "posts").Execute(ctx))
	_, ok = pointer(t, ks, f.posts.Key("2"))
	require.False(t, ok)
	_, err = ds.Get(ctx, ks.TimelineKey(first))
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = f.engine.Relation(f.users, f.posts).Unlink("2").UnlinkedFrom("1", "posts").Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.engine.Relation(f.users, f.posts).Link("2").LinkedIn("1", "posts").Execute(ctx))
	second, ok := pointer(t, ks, f.posts.Key("2"))
	require.True(t, ok)
	require.Equal(t, 1, second.Compare(first))

	resolver, _ := f.engine.Accessor(f.users, "posts")
	result := collect(t, resolver, "1", relation.WithKeys(true))
	require.Len(t, result, 1)
	require.Equal(t, 0, second.Compare(result[0].Timestamp))
}

func InsertionOrderTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	const n = 25
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))

	// inserted in descending id order so insertion order and key order disagree
	inserted := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		id := fmt.Sprintf("p%02d", i)
		require.NoError(t, f.posts.Put(ctx, id, Post{Title: id}))
		require.NoError(t, f.engine.Relation(f.users, f.posts).Link(id).LinkedIn("1", "posts").Execute(ctx))
		inserted = append(inserted, id)
	}

	resolver, ok := f.engine.Accessor(f.users, "posts")
	require.True(t, ok)

	ordered := collect(t, resolver, "1", relation.WithPageSize(4))
	if diff := cmp.Diff(inserted, ids(ordered)); diff != "" {
		t.Fatalf("unexpected ordered ids (-want +got):\n%s", diff)
	}
	for i := 1; i < len(ordered); i++ {
		require.Equal(t, 1, ordered[i].Timestamp.Compare(ordered[i-1].Timestamp))
	}
	var first Post
	require.NoError(t, ordered[0].Decode(&first))
	require.Equal(t, Post{Title: inserted[0]}, first)

	orderedKeys := collect(t, resolver, "1", relation.WithKeys(true))
	if diff := cmp.Diff(inserted, ids(orderedKeys)); diff != "" {
		t.Fatalf("unexpected ordered keys (-want +got):\n%s", diff)
	}
	for _, r := range orderedKeys {
		require.Nil(t, r.Value)
	}

	sorted := append([]string(nil), inserted...)
	sort.Strings(sorted)

	unordered := collect(t, resolver, "1", relation.WithOrdered(false))
	require.Equal(t, sorted, ids(unordered))
	require.NotNil(t, unordered[0].Value)

	unorderedKeys := collect(t, resolver, "1", relation.WithOrdered(false), relation.WithKeys(true), relation.WithPageSize(3))
	require.Equal(t, sorted, ids(unorderedKeys))

	count, err := resolver.Count(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func BidirectionalTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))
	require.NoError(t, f.posts.Put(ctx, "2", Post{Title: "foobar"}))

	builder := f.engine.Relation(f.users, f.posts).
		Link("2").LinkedIn("1", "r1").
		Also("1").LinkedIn("2", "r2")
	require.Equal(t, []relation.Task{
		relation.LinkTask{Item: "2"},
		relation.NameTask{Item: "1", Name: "r1"},
		relation.AlsoTask{Item: "1"},
		relation.NameTask{Item: "2", Name: "r2"},
	}, builder.Tasks())
	require.NoError(t, builder.Execute(ctx))
	require.Empty(t, builder.Tasks())

	r1, ok := f.engine.Accessor(f.users, "r1")
	require.True(t, ok)
	require.Equal(t, []string{"2"}, ids(collect(t, r1, "1")))

	r2, ok := f.engine.Accessor(f.posts, "r2")
	require.True(t, ok)
	require.Equal(t, []string{"1"}, ids(collect(t, r2, "2")))

	_, ok = f.engine.Accessor(f.posts, "r1")
	require.False(t, ok)
	_, ok = f.engine.Accessor(f.users, "r2")
	require.False(t, ok)

	require.NoError(t, f.engine.Relation(f.users, f.posts).
		Unlink("2").UnlinkedFrom("1", "r1").
		Also("1").UnlinkedFrom("2", "r2").
		Execute(ctx))
	require.Empty(t, collect(t, r1, "1"))
	require.Empty(t, collect(t, r2, "2"))
}

func UsersPostsTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	user := User{Username: "john"}
	post := Post{Title: "foobar"}
	require.NoError(t, f.users.Put(ctx, "1", user))
	require.NoError(t, f.posts.Put(ctx, "2", post))

	require.NoError(t, f.engine.Relation(f.users, f.posts).
		Link(post).LinkedIn(user, "posts").
		Also(user).LinkedIn(post, "owner").
		Execute(ctx))

	userPosts, ok := f.engine.Accessor(f.users, "posts")
	require.True(t, ok)
	result := collect(t, userPosts, user)
	require.Len(t, result, 1)
	var gotPost Post
	require.NoError(t, result[0].Decode(&gotPost))
	require.Equal(t, post, gotPost)

	postOwner, ok := f.engine.Accessor(f.posts, "owner")
	require.True(t, ok)
	result = collect(t, postOwner, post)
	require.Len(t, result, 1)
	var gotUser User
	require.NoError(t, result[0].Decode(&gotUser))
	require.Equal(t, user, gotUser)

	_, err := userPosts.By(ctx, User{Username: "nobody"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func OwnerIsolationTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	for _, id := range []string{"1", "2"} {
		require.NoError(t, f.users.Put(ctx, id, User{Username: "user" + id}))
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.posts.Put(ctx, id, Post{Title: "post " + id}))
	}

	require.NoError(t, f.engine.Relation(f.users, f.posts).
		Link("a").LinkedIn("1", "posts").
		Link("b").LinkedIn("2", "posts").
		Link("c").LinkedIn("1", "posts").
		Link("a").LinkedIn("1", "likes").
		Execute(ctx))

	posts, _ := f.engine.Accessor(f.users, "posts")
	require.Equal(t, []string{"a", "c"}, ids(collect(t, posts, "1")))
	require.Equal(t, []string{"b"}, ids(collect(t, posts, "2")))

	likes, _ := f.engine.Accessor(f.users, "likes")
	require.Equal(t, []string{"a"}, ids(collect(t, likes, "1")))
	require.Empty(t, collect(t, likes, "2"))

	// relation entries never show up as items of the owning sublevel
	iter, err := f.users.Scan(ctx)
	require.NoError(t, err)
	entries, err := storage.Collect(ctx, iter)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func MissingRelatedItemTest(t *testing.T, ds storage.KVStore, opts ...relation.Option) {
	ctx := context.Background()
	f := newFixture(t, ds, opts...)

	require.NoError(t, f.users.Put(ctx, "1", User{Username: "john"}))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.posts.Put(ctx, id, Post{Title: id}))
	}
	require.NoError(t, f.engine.Relation(f.users, f.posts).
		Link("a").LinkedIn("1", "posts").
		Link("b").LinkedIn("1", "posts").
		Link("c").LinkedIn("1", "posts").
		Execute(ctx))

	// deleting a related item leaves its relation entries behind
	require.NoError(t, f.posts.Delete(ctx, "b"))

	resolver, _ := f.engine.Accessor(f.users, "posts")
	iter, err := resolver.By(ctx, "1")
	require.NoError(t, err)
	defer iter.Stop()

	var got []string
	var resolveErrs int
	for {
		r, err := iter.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			break
		}
		var resolveErr *relation.ResolveError
		if errors.As(err, &resolveErr) {
			require.ErrorIs(t, err, storage.ErrNotFound)
			require.Equal(t, f.posts.Key("b"), resolveErr.Key)
			resolveErrs++
			continue
		}
		require.NoError(t, err)
		got = append(got, r.ID)
	}

	require.Equal(t, []string{"a", "c"}, got)
	require.Equal(t, 1, resolveErrs)
	require.Equal(t, []string{"a", "b", "c"}, ids(collect(t, resolver, "1", relation.WithKeys(true))))
}
