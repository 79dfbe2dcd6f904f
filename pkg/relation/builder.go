package relation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/kvrel/pkg/sublevel"
	"github.com/openfga/kvrel/pkg/telemetry"
)

// Task is an entry of a [Builder] queue: one of LinkTask, UnlinkTask, AlsoTask or NameTask.
type Task interface {
	fmt.Stringer
	isTask()
}

// LinkTask links Item, the related item.
type LinkTask struct{ Item any }

// UnlinkTask unlinks Item, the related item.
type UnlinkTask struct{ Item any }

// AlsoTask repeats the previous verb in the opposite direction for Item.
type AlsoTask struct{ Item any }

// NameTask names the relation and its owner Item for the verb queued before it.
type NameTask struct {
	Item any
	Name string
}

func (LinkTask) isTask()   {}
func (UnlinkTask) isTask() {}
func (AlsoTask) isTask()   {}
func (NameTask) isTask()   {}

func (t LinkTask) String() string   { return fmt.Sprintf("link %v", t.Item) }
func (t UnlinkTask) String() string { return fmt.Sprintf("unlink %v", t.Item) }
func (t AlsoTask) String() string   { return fmt.Sprintf("also %v", t.Item) }
func (t NameTask) String() string   { return fmt.Sprintf("in %q of %v", t.Name, t.Item) }

type verb int

const (
	verbLink verb = iota
	verbUnlink
)

func (v verb) String() string {
	if v == verbUnlink {
		return "unlink"
	}
	return "link"
}

// step is a validated (verb, name) pair of a batch.
type step struct {
	index    int
	verb     verb
	reversed bool
	src      Task
	related  any
	owner    any
	name     string
}

// Builder queues relation tasks between the items of two sublevels a and b and executes them
// in order. A Builder is not safe for concurrent use.
//
//	engine.Relation(users, posts).
//		Link(post).LinkedIn(user, "posts").
//		Also(user).LinkedIn(post, "owner").
//		Execute(ctx)
//
// links post to user under "posts" (owner resolved in users, related item in posts) and then
// user to post under "owner" (owner resolved in posts, related item in users).
type Builder struct {
	engine *Engine
	a, b   *sublevel.Sublevel
	tasks  []Task
}

// Link queues linking item, resolved in the related sublevel.
func (b *Builder) Link(item any) *Builder {
	b.tasks = append(b.tasks, LinkTask{Item: item})
	return b
}

// Unlink queues unlinking item, resolved in the related sublevel.
func (b *Builder) Unlink(item any) *Builder {
	b.tasks = append(b.tasks, UnlinkTask{Item: item})
	return b
}

// Also queues the previous verb again, from b to a.
func (b *Builder) Also(item any) *Builder {
	b.tasks = append(b.tasks, AlsoTask{Item: item})
	return b
}

// LinkedIn names the relation and the owner item of the previous verb.
func (b *Builder) LinkedIn(item any, name string) *Builder {
	b.tasks = append(b.tasks, NameTask{Item: item, Name: name})
	return b
}

// UnlinkedFrom names the relation and the owner item of the previous verb. It is the same
// task as LinkedIn; the verb decides what happens.
func (b *Builder) UnlinkedFrom(item any, name string) *Builder {
	return b.LinkedIn(item, name)
}

// Tasks returns a copy of the queued tasks.
func (b *Builder) Tasks() []Task {
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func plan(tasks []Task) ([]step, error) {
	if len(tasks)%2 != 0 {
		return nil, fmt.Errorf("%w: %d tasks do not form (verb, name) pairs", ErrMalformedBatch, len(tasks))
	}

	steps := make([]step, 0, len(tasks)/2)
	var previous *verb
	for i := 0; i < len(tasks); i += 2 {
		s := step{index: i, src: tasks[i]}

		switch t := tasks[i].(type) {
		case LinkTask:
			s.verb, s.related = verbLink, t.Item
		case UnlinkTask:
			s.verb, s.related = verbUnlink, t.Item
		case AlsoTask:
			if previous == nil {
				return nil, fmt.Errorf("%w: task %d: also without a preceding link or unlink", ErrMalformedBatch, i)
			}
			s.verb, s.related, s.reversed = *previous, t.Item, true
		default:
			return nil, fmt.Errorf("%w: task %d: expected link, unlink or also, got %s", ErrMalformedBatch, i, tasks[i])
		}

		name, ok := tasks[i+1].(NameTask)
		if !ok {
			return nil, fmt.Errorf("%w: task %d: expected a relation name, got %s", ErrMalformedBatch, i+1, tasks[i+1])
		}
		if name.Name == "" {
			return nil, fmt.Errorf("%w: task %d: %w", ErrMalformedBatch, i+1, ErrInvalidRelationName)
		}
		s.owner, s.name = name.Item, name.Name

		v := s.verb
		previous = &v
		steps = append(steps, s)
	}

	return steps, nil
}

// Execute runs the queued tasks in order, two at a time, and empties the queue. The whole
// queue is validated first; a malformed queue fails with ErrMalformedBatch before anything is
// written. Execution halts at the first failing pair and reports it as a *TaskError; pairs
// executed before it stay committed.
func (b *Builder) Execute(ctx context.Context) (err error) {
	tasks := b.tasks
	b.tasks = nil

	if len(tasks) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "relation.Execute", trace.WithAttributes(attribute.Int("tasks", len(tasks))))
	defer span.End()

	start := time.Now()
	defer func() {
		observe("execute", start, err)
		if err != nil {
			telemetry.TraceError(span, err)
		}
	}()

	steps, err := plan(tasks)
	if err != nil {
		return err
	}

	for _, s := range steps {
		if err := b.run(ctx, s); err != nil {
			b.engine.logger.DebugWithContext(ctx, "relation batch halted",
				zap.Int("task", s.index),
				zap.Int("executed", s.index/2),
				zap.Error(err))
			return &TaskError{Index: s.index, Task: s.src, Err: err}
		}
	}

	b.engine.logger.DebugWithContext(ctx, "relation batch executed", zap.Int("pairs", len(steps)))

	return nil
}

func (b *Builder) run(ctx context.Context, s step) error {
	owning, opposite := b.a, b.b
	if s.reversed {
		owning, opposite = b.b, b.a
	}

	ownerID, err := owning.Find(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("resolve owner in %s: %w", owning.Path(), err)
	}

	ks, err := DeriveKeyspace(owning, s.name, ownerID)
	if err != nil {
		return err
	}

	b.engine.registry.Register(owning, s.name, opposite)

	relatedID, err := opposite.Find(ctx, s.related)
	if err != nil {
		return fmt.Errorf("resolve related item in %s: %w", opposite.Path(), err)
	}
	relatedKey := opposite.Key(relatedID)

	if s.verb == verbUnlink {
		return b.engine.Unlink(ctx, ks, relatedKey)
	}

	return b.engine.Link(ctx, ks, relatedKey)
}
