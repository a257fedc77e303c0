package child

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/assertions"
	"github.com/liuxd6825/k6bridge/command"
	"github.com/liuxd6825/k6bridge/compiler/protocol"
)

// DefaultAssertionTimeout is used for assertions without an explicit timeout.
const DefaultAssertionTimeout = 10 * time.Second

// TestRunProxy is the test run of the host as test code sees it in the
// worker.
type TestRunProxy struct {
	id     string
	w      *Worker
	logger logrus.FieldLogger
}

var _ structure.Controller = &TestRunProxy{}

func newTestRunProxy(id string, w *Worker) (*TestRunProxy, error) {
	p := &TestRunProxy{
		id:     id,
		w:      w,
		logger: w.logger.WithField("testRunId", id),
	}
	if err := w.registry.Insert(id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ID returns the id of the host test run.
func (p *TestRunProxy) ID() string {
	return p.id
}

// ExecuteCommand executes cmd on the host and waits for its result.
func (p *TestRunProxy) ExecuteCommand(ctx context.Context, cmd *command.Command) (json.RawMessage, error) {
	res, err := p.w.t.Send(ctx, protocol.EventExecuteCommand, p.envelope(cmd)).Wait(ctx)
	return json.RawMessage(res), err
}

// ExecuteCommandSync executes cmd and blocks until it is done. Assertions run
// locally; the host only learns about the transitions of their retries.
func (p *TestRunProxy) ExecuteCommandSync(cmd *command.Command) (interface{}, error) {
	if cmd.Type != command.TypeAssertion {
		res, err := p.w.t.SendSync(protocol.EventExecuteCommand, p.envelope(cmd))
		return json.RawMessage(res), err
	}

	timeout := p.w.assertionTimeout
	if cmd.Timeout.Valid {
		timeout = cmd.TimeoutDuration()
	}
	callsite := ""
	if cmd.Assertion != nil {
		callsite = cmd.Assertion.Callsite
	}

	ex := assertions.NewExecutor(cmd, timeout, callsite)
	ex.OnDelay(func(d time.Duration) {
		p.sendSync(command.NewWait(d))
	})
	ex.OnRetriesStart(func(timeLeft time.Duration) {
		p.sendSync(command.NewShowAssertionRetriesStatus(timeLeft))
	})
	ex.OnRetriesEnd(func(success bool) {
		p.sendSync(command.NewHideAssertionRetriesStatus(success))
	})
	return ex.Run(p.w.ctx)
}

func (p *TestRunProxy) sendSync(cmd *command.Command) {
	if _, err := p.w.t.SendSync(protocol.EventExecuteCommand, p.envelope(cmd)); err != nil {
		p.logger.WithError(err).WithField("command", cmd.Type).Debug("Synchronous command failed")
	}
}

// AddRequestHooks attaches hooks to the host test run.
func (p *TestRunProxy) AddRequestHooks(ctx context.Context, hooks ...*structure.RequestHook) error {
	p.w.registerHooks(hooks...)
	_, err := p.w.t.Send(ctx, protocol.EventAddRequestHooks, p.hooksPayload(hooks)).Wait(ctx)
	return err
}

// RemoveRequestHooks detaches hooks from the host test run.
func (p *TestRunProxy) RemoveRequestHooks(ctx context.Context, hooks ...*structure.RequestHook) error {
	_, err := p.w.t.Send(ctx, protocol.EventRemoveRequestHooks, p.hooksPayload(hooks)).Wait(ctx)
	return err
}

// UseRole activates r for the host test run.
func (p *TestRunProxy) UseRole(ctx context.Context, r *structure.Role) error {
	p.w.registerRole(r)
	_, err := p.w.t.Send(ctx, protocol.EventUseRole, &protocol.UseRole{ID: p.id, Role: r.Descriptor()}).Wait(ctx)
	return err
}

// Debug tells the host and the attached debuggers that test code wants to
// be debugged.
func (p *TestRunProxy) Debug() {
	if err := p.w.t.Emit(protocol.EventDebug, &protocol.Debug{TestRunID: p.id}); err != nil {
		p.logger.WithError(err).Warn("Could not notify the host")
	}
	if p.w.inspector != nil {
		p.w.inspector.Paused()
	}
}

func (p *TestRunProxy) envelope(cmd *command.Command) *protocol.ExecuteCommand {
	return &protocol.ExecuteCommand{ID: p.id, Command: cmd}
}

func (p *TestRunProxy) hooksPayload(hooks []*structure.RequestHook) *protocol.RequestHooks {
	descs := make([]requesthook.Descriptor, 0, len(hooks))
	for _, h := range hooks {
		descs = append(descs, h.Descriptor())
	}
	return &protocol.RequestHooks{ID: p.id, Hooks: descs}
}
