package relation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/memory"
	"github.com/openfga/kvrel/pkg/sublevel"
)

func TestRegistry(t *testing.T) {
	ds := memory.New()
	root := sublevel.New(ds)
	users, posts, comments := root.Sublevel("users"), root.Sublevel("posts"), root.Sublevel("comments")

	registry := NewRegistry()

	_, ok := registry.Lookup(users, "posts")
	require.False(t, ok)
	require.Empty(t, registry.Names(users))

	first := registry.Register(users, "posts", posts)
	require.Same(t, first, registry.Register(users, "posts", posts))
	require.Same(t, first, registry.Register(users, "posts", comments))
	require.Same(t, posts, first.Opposite())

	// a second handle on the same sublevel shares the accessors
	sameUsers := sublevel.New(ds).Sublevel("users")
	got, ok := registry.Lookup(sameUsers, "posts")
	require.True(t, ok)
	require.Same(t, first, got)

	registry.Register(users, "comments", comments)
	registry.Register(posts, "owner", users)
	require.Equal(t, []string{"comments", "posts"}, registry.Names(users))
	require.Equal(t, []string{"owner"}, registry.Names(posts))
}

func TestAccessorRegisteredOnceOwnerResolves(t *testing.T) {
	ctx := context.Background()
	root := sublevel.New(memory.New())
	users, posts := root.Sublevel("users"), root.Sublevel("posts")
	require.NoError(t, users.Put(ctx, "1", map[string]string{"username": "john"}))

	engine := NewEngine()

	err := engine.Relation(users, posts).Link("missing").LinkedIn("1", "posts").Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	resolver, ok := engine.Accessor(users, "posts")
	require.True(t, ok)

	count, err := resolver.Count(ctx, "1")
	require.NoError(t, err)
	require.Zero(t, count)

	err = engine.Relation(users, posts).Link("2").LinkedIn("nobody", "comments").Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, ok = engine.Accessor(users, "comments")
	require.False(t, ok)
}
