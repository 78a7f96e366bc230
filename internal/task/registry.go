// Package task tracks in-flight download chains so that everything a
// playlist started can be canceled as a group on stop, seek or switch.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrCanceled is reported by tasks that were canceled before finishing.
var ErrCanceled = errors.New("task canceled")

// Task is one running chain.
type Task struct {
	ID    uuid.UUID
	Owner string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its error. A canceled
// task reports ErrCanceled.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Registry holds running tasks by owner.
type Registry struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]map[uuid.UUID]*Task
	closed bool
}

// NewRegistry creates an empty registry. Tasks run under a context that
// is canceled by Close.
func NewRegistry(logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger: logger.With("component", "tasks"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]map[uuid.UUID]*Task),
	}
}

// Go starts fn for owner. fn must return promptly once its context is
// canceled; whatever it returns afterwards is replaced by ErrCanceled, so a
// canceled chain still runs its cleanup but never reports a value.
func (r *Registry) Go(owner string, fn func(ctx context.Context) error) (*Task, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrCanceled
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &Task{
		ID:     uuid.New(),
		Owner:  owner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	group := r.tasks[owner]
	if group == nil {
		group = make(map[uuid.UUID]*Task)
		r.tasks[owner] = group
	}
	group[t.ID] = t
	r.mu.Unlock()

	go func() {
		err := fn(ctx)
		if ctx.Err() != nil {
			err = ErrCanceled
		}
		cancel()

		r.mu.Lock()
		t.err = err
		delete(r.tasks[owner], t.ID)
		if len(r.tasks[owner]) == 0 {
			delete(r.tasks, owner)
		}
		r.mu.Unlock()

		if err != nil && !errors.Is(err, ErrCanceled) {
			r.logger.Debug("task failed", "owner", owner, "id", t.ID, "error", err)
		}
		close(t.done)
	}()

	return t, nil
}

// Active returns the number of running tasks of owner.
func (r *Registry) Active(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks[owner])
}

func (r *Registry) snapshot(owner string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Task, 0, len(r.tasks[owner]))
	for _, t := range r.tasks[owner] {
		out = append(out, t)
	}
	return out
}

// CancelGroup cancels every task of owner, optionally waiting for them.
func (r *Registry) CancelGroup(owner string, wait bool) {
	tasks := r.snapshot(owner)
	for _, t := range tasks {
		t.Cancel()
	}
	if wait {
		for _, t := range tasks {
			<-t.done
		}
	}
	if len(tasks) > 0 {
		r.logger.Debug("canceled task group", "owner", owner, "tasks", len(tasks))
	}
}

// Wait blocks until every task of owner has finished.
func (r *Registry) Wait(owner string) {
	for _, t := range r.snapshot(owner) {
		<-t.done
	}
}

// Close cancels all tasks, waits for them and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Task
	for _, group := range r.tasks {
		for _, t := range group {
			all = append(all, t)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, t := range all {
		<-t.done
	}
}
