package testrun

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/command"
)

// TestRun is the host-side live context of one executing test.
type TestRun interface {
	ID() string
	ExecuteCommand(ctx context.Context, cmd *command.Command) (interface{}, error)
	AddRequestHook(hook requesthook.Hook)
	RemoveRequestHook(id string)
}

// CommandExecutor executes commands against whatever drives the browser.
type CommandExecutor interface {
	Execute(ctx context.Context, run *Run, cmd *command.Command) (interface{}, error)
}

// CommandExecutorFunc is an adapter to allow regular functions to be used as
// a CommandExecutor.
type CommandExecutorFunc func(ctx context.Context, run *Run, cmd *command.Command) (interface{}, error)

// Execute calls f.
func (f CommandExecutorFunc) Execute(ctx context.Context, run *Run, cmd *command.Command) (interface{}, error) {
	return f(ctx, run, cmd)
}

// Run is the default TestRun.
type Run struct {
	id       string
	executor CommandExecutor
	logger   logrus.FieldLogger

	hooksMu sync.RWMutex
	hooks   map[string]requesthook.Hook
	order   []string
}

var _ TestRun = &Run{}

// NewRun returns a test run with a fresh id.
func NewRun(executor CommandExecutor, logger logrus.FieldLogger) *Run {
	id := uuid.NewString()
	return &Run{
		id:       id,
		executor: executor,
		logger:   logger.WithField("testRunId", id),
		hooks:    make(map[string]requesthook.Hook),
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// ExecuteCommand executes cmd through the run's executor.
func (r *Run) ExecuteCommand(ctx context.Context, cmd *command.Command) (interface{}, error) {
	r.logger.WithField("command", cmd.Type).Debug("Executing command")
	return r.executor.Execute(ctx, r, cmd)
}

// AddRequestHook attaches hook to the run. Adding a hook twice is a no-op.
func (r *Run) AddRequestHook(hook requesthook.Hook) {
	id := hook.Descriptor().ID
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	if _, ok := r.hooks[id]; ok {
		return
	}
	r.hooks[id] = hook
	r.order = append(r.order, id)
}

// RemoveRequestHook detaches the hook with the given id.
func (r *Run) RemoveRequestHook(id string) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return
	}
	delete(r.hooks, id)
	for i, hid := range r.order {
		if hid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// RequestHooks returns the attached hooks in the order they were added.
func (r *Run) RequestHooks() []requesthook.Hook {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	hooks := make([]requesthook.Hook, 0, len(r.order))
	for _, id := range r.order {
		hooks = append(hooks, r.hooks[id])
	}
	return hooks
}
