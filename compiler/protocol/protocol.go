// Package protocol is the vocabulary spoken between the host and the worker:
// event names, actor kinds, function slots and the payload of every event.
package protocol

import (
	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/command"
)

// Host to worker events.
const (
	EventGetTests       = "get-tests"
	EventRunTest        = "run-test"
	EventCleanUp        = "clean-up"
	EventExit           = "exit"
	EventStopTests      = "stop-tests"
	EventReleaseTestRun = "release-test-run"
	EventRequestHook    = "request-hook-event"
)

// Worker to host events. EventExecuteCommand is used on both the async and
// the sync lane; the lane tells the host which flavour it is handling.
const (
	EventReady              = "ready"
	EventTestFileAdded      = "test-file-added"
	EventDebug              = "debug"
	EventExecuteCommand     = "execute-command"
	EventUseRole            = "use-role"
	EventAddRequestHooks    = "add-request-hooks"
	EventRemoveRequestHooks = "remove-request-hooks"
)

// ActorKind is the kind of object a function reference belongs to.
type ActorKind string

// Actor kinds.
const (
	ActorTests    ActorKind = "tests"
	ActorFixtures ActorKind = "fixtures"
	ActorRoles    ActorKind = "roles"
)

// Slot names a function of an actor.
type Slot string

// Function slots.
const (
	SlotFn           Slot = "fn"
	SlotBeforeFn     Slot = "beforeFn"
	SlotAfterFn      Slot = "afterFn"
	SlotBeforeEachFn Slot = "beforeEachFn"
	SlotAfterEachFn  Slot = "afterEachFn"
	SlotInitFn       Slot = "initFn"
)

// FunctionRef replaces a closure on the wire: the host refers to a function
// living in the worker by owner id, actor kind and slot. TestRunID is empty
// for functions that do not run in the context of a test run.
type FunctionRef struct {
	Idx       string    `json:"idx"`
	Actor     ActorKind `json:"actor"`
	Func      Slot      `json:"func"`
	TestRunID string    `json:"testRunId,omitempty"`
}

// RunID implements the transmitter's run id lookup.
func (r *FunctionRef) RunID() string { return r.TestRunID }

// GetTests is the payload of EventGetTests.
type GetTests struct {
	Sources []string `json:"sources"`
}

// TestFileAdded is the payload of EventTestFileAdded.
type TestFileAdded struct {
	Filename string `json:"filename"`
}

// Debug is the payload of EventDebug.
type Debug struct {
	TestRunID string `json:"testRunId,omitempty"`
}

// RunID implements the transmitter's run id lookup.
func (d *Debug) RunID() string { return d.TestRunID }

// ReleaseTestRun is the payload of EventReleaseTestRun.
type ReleaseTestRun struct {
	ID string `json:"id"`
}

// RunID implements the transmitter's run id lookup.
func (r *ReleaseTestRun) RunID() string { return r.ID }

// ExecuteCommand is the payload of EventExecuteCommand. ID is the test run.
type ExecuteCommand struct {
	ID      string           `json:"id"`
	Command *command.Command `json:"command"`
}

// RunID implements the transmitter's run id lookup.
func (e *ExecuteCommand) RunID() string { return e.ID }

// UseRole is the payload of EventUseRole.
type UseRole struct {
	ID   string                   `json:"id"`
	Role structure.RoleDescriptor `json:"role"`
}

// RunID implements the transmitter's run id lookup.
func (u *UseRole) RunID() string { return u.ID }

// RequestHooks is the payload of EventAddRequestHooks and
// EventRemoveRequestHooks.
type RequestHooks struct {
	ID    string                   `json:"id"`
	Hooks []requesthook.Descriptor `json:"hooks"`
}

// RunID implements the transmitter's run id lookup.
func (r *RequestHooks) RunID() string { return r.ID }

// RequestHookEvent is the payload of EventRequestHook: a host-side request
// hook proxy forwarding one of its events to the hook in the worker. Event is
// a requesthook.RequestEvent or a requesthook.ResponseEvent depending on Name.
type RequestHookEvent struct {
	HookID    string      `json:"hookId"`
	Name      string      `json:"name"`
	TestRunID string      `json:"testRunId,omitempty"`
	Event     interface{} `json:"event"`
}

// RunID implements the transmitter's run id lookup.
func (r *RequestHookEvent) RunID() string { return r.TestRunID }
