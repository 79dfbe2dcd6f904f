package relation

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/openfga/kvrel/pkg/storage"
	"github.com/openfga/kvrel/pkg/storage/memory"
	"github.com/openfga/kvrel/pkg/sublevel"
)

func TestBuilderQueuesTasks(t *testing.T) {
	root := sublevel.New(memory.New())
	builder := NewEngine().Relation(root.Sublevel("users"), root.Sublevel("posts")).
		Link("2").LinkedIn("1", "posts").
		Also("1").LinkedIn("2", "owner").
		Unlink("3").UnlinkedFrom("1", "likes")

	want := []Task{
		LinkTask{Item: "2"},
		NameTask{Item: "1", Name: "posts"},
		AlsoTask{Item: "1"},
		NameTask{Item: "2", Name: "owner"},
		UnlinkTask{Item: "3"},
		NameTask{Item: "1", Name: "likes"},
	}
	if diff := cmp.Diff(want, builder.Tasks()); diff != "" {
		t.Fatalf("unexpected tasks (-want +got):\n%s", diff)
	}

	tasks := builder.Tasks()
	tasks[0] = UnlinkTask{Item: "x"}
	require.Equal(t, LinkTask{Item: "2"}, builder.Tasks()[0])

	require.Equal(t, "link 2", LinkTask{Item: "2"}.String())
	require.Equal(t, `in "posts" of 1`, NameTask{Item: "1", Name: "posts"}.String())
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []Task
		want    []step
		wantErr bool
	}{
		{
			name: "odd_number_of_tasks",
			tasks: []Task{
				LinkTask{Item: "2"},
			},
			wantErr: true,
		},
		{
			name: "name_without_verb",
			tasks: []Task{
				NameTask{Item: "1", Name: "posts"},
				LinkTask{Item: "2"},
			},
			wantErr: true,
		},
		{
			name: "verb_without_name",
			tasks: []Task{
				LinkTask{Item: "2"},
				LinkTask{Item: "3"},
			},
			wantErr: true,
		},
		{
			name: "empty_relation_name",
			tasks: []Task{
				LinkTask{Item: "2"},
				NameTask{Item: "1"},
			},
			wantErr: true,
		},
		{
			name: "also_first",
			tasks: []Task{
				AlsoTask{Item: "2"},
				NameTask{Item: "1", Name: "posts"},
			},
			wantErr: true,
		},
		{
			name: "malformed_tail",
			tasks: []Task{
				LinkTask{Item: "2"},
				NameTask{Item: "1", Name: "posts"},
				NameTask{Item: "1", Name: "posts"},
				NameTask{Item: "1", Name: "posts"},
			},
			wantErr: true,
		},
		{
			name: "also_reuses_previous_verb",
			tasks: []Task{
				UnlinkTask{Item: "2"},
				NameTask{Item: "1", Name: "posts"},
				AlsoTask{Item: "1"},
				NameTask{Item: "2", Name: "owner"},
				LinkTask{Item: "3"},
				NameTask{Item: "1", Name: "posts"},
				AlsoTask{Item: "1"},
				NameTask{Item: "3", Name: "owner"},
			},
			want: []step{
				{index: 0, verb: verbUnlink, src: UnlinkTask{Item: "2"}, related: "2", owner: "1", name: "posts"},
				{index: 2, verb: verbUnlink, reversed: true, src: AlsoTask{Item: "1"}, related: "1", owner: "2", name: "owner"},
				{index: 4, verb: verbLink, src: LinkTask{Item: "3"}, related: "3", owner: "1", name: "posts"},
				{index: 6, verb: verbLink, reversed: true, src: AlsoTask{Item: "1"}, related: "1", owner: "3", name: "owner"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := plan(test.tasks)
			if test.wantErr {
				require.ErrorIs(t, err, ErrMalformedBatch)
				require.Nil(t, got)
				return
			}

			require.NoError(t, err)
			if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(step{})); diff != "" {
				t.Fatalf("unexpected steps (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecuteMalformedBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	root := sublevel.New(ds)
	users, posts := root.Sublevel("users"), root.Sublevel("posts")
	require.NoError(t, users.Put(ctx, "1", map[string]string{"username": "john"}))
	require.NoError(t, posts.Put(ctx, "2", map[string]string{"title": "foobar"}))

	engine := NewEngine()
	builder := engine.Relation(users, posts).Link("2").LinkedIn("1", "posts").Link("3")

	err := builder.Execute(ctx)
	require.ErrorIs(t, err, ErrMalformedBatch)
	require.Equal(t, 2, ds.Len())
	require.Empty(t, builder.Tasks())

	_, ok := engine.Accessor(users, "posts")
	require.False(t, ok)

	err = builder.Link("2").LinkedIn("1", "").Execute(ctx)
	require.ErrorIs(t, err, ErrMalformedBatch)
	require.ErrorIs(t, err, ErrInvalidRelationName)
}

func TestExecuteEmptyQueue(t *testing.T) {
	root := sublevel.New(memory.New())
	require.NoError(t, NewEngine().Relation(root.Sublevel("users"), root.Sublevel("posts")).Execute(context.Background()))
}

func TestExecuteHaltsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	root := sublevel.New(memory.New())
	users, posts := root.Sublevel("users"), root.Sublevel("posts")
	require.NoError(t, users.Put(ctx, "1", map[string]string{"username": "john"}))
	for _, id := range []string{"2", "3"} {
		require.NoError(t, posts.Put(ctx, id, map[string]string{"title": id}))
	}

	engine := NewEngine()
	err := engine.Relation(users, posts).
		Link("2").LinkedIn("1", "posts").
		Link("missing").LinkedIn("1", "posts").
		Link("3").LinkedIn("1", "posts").
		Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, 2, taskErr.Index)
	require.Equal(t, LinkTask{Item: "missing"}, taskErr.Task)

	resolver, ok := engine.Accessor(users, "posts")
	require.True(t, ok)
	count, err := resolver.Count(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestExecuteUnresolvableOwner(t *testing.T) {
	ctx := context.Background()
	root := sublevel.New(memory.New())
	users, posts := root.Sublevel("users"), root.Sublevel("posts")
	require.NoError(t, posts.Put(ctx, "2", map[string]string{"title": "foobar"}))

	engine := NewEngine()

	err := engine.Relation(users, posts).Link("2").LinkedIn(nil, "posts").Execute(ctx)
	require.ErrorIs(t, err, sublevel.ErrUnresolvable)

	err = engine.Relation(users, posts).Link("2").LinkedIn("1", "posts").Execute(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// users has no index the item could be found by
	err = engine.Relation(users, posts).Link("2").LinkedIn(map[string]string{"username": "john"}, "posts").Execute(ctx)
	require.ErrorIs(t, err, sublevel.ErrUnresolvable)

	_, ok := engine.Accessor(users, "posts")
	require.False(t, ok)
}

func TestExecuteAlsoSwapsSublevels(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	root := sublevel.New(ds)
	users, posts := root.Sublevel("users"), root.Sublevel("posts")
	require.NoError(t, users.Put(ctx, "1", map[string]string{"username": "john"}))
	require.NoError(t, posts.Put(ctx, "2", map[string]string{"title": "foobar"}))

	engine := NewEngine()
	require.NoError(t, engine.Relation(users, posts).
		Link("2").LinkedIn("1", "posts").
		Also("1").LinkedIn("2", "owner").
		Execute(ctx))

	usersPosts, err := DeriveKeyspace(users, "posts", "1")
	require.NoError(t, err)
	_, err = ds.Get(ctx, usersPosts.PointerKey(posts.Key("2")))
	require.NoError(t, err)

	postsOwner, err := DeriveKeyspace(posts, "owner", "2")
	require.NoError(t, err)
	_, err = ds.Get(ctx, postsOwner.PointerKey(users.Key("1")))
	require.NoError(t, err)

	resolver, ok := engine.Accessor(posts, "owner")
	require.True(t, ok)
	require.Same(t, users, resolver.Opposite())
	require.Same(t, posts, resolver.Owner())
	require.Equal(t, "owner", resolver.Name())
}
