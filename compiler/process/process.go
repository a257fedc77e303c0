// Package process is the host side of the bridge. A CompilerProcess owns the
// worker process, negotiates its debug endpoint, turns the tests it compiles
// into runnable host objects and routes the worker's requests to the test
// runs they belong to.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/debugger"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/api/role"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/api/testrun"
	"github.com/liuxd6825/k6bridge/command"
	"github.com/liuxd6825/k6bridge/compiler/inspector"
	"github.com/liuxd6825/k6bridge/compiler/protocol"
	"github.com/liuxd6825/k6bridge/compiler/transmitter"
	"github.com/liuxd6825/k6bridge/errext"
	"github.com/liuxd6825/k6bridge/errext/exitcodes"
	"github.com/liuxd6825/k6bridge/event"
)

// Options configure a CompilerProcess.
type Options struct {
	Logger   logrus.FieldLogger
	Registry *testrun.Registry[testrun.TestRun]
	// Events receives the notifications of the worker. Optional.
	Events *event.System

	// Executable and WorkerArgs spawn the worker; they default to the running
	// executable and its worker command.
	Executable string
	WorkerArgs []string
	Env        []string

	// Transport connects to an already running worker instead of spawning
	// one.
	Transport transmitter.Transport
}

// CompilerProcess is the host-side handle of the worker.
type CompilerProcess struct {
	opts     Options
	logger   logrus.FieldLogger
	registry *testrun.Registry[testrun.TestRun]

	endpoint  DebugEndpoint
	worker    *worker
	t         *transmitter.Transmitter
	inspector *inspector.Client

	readyOnce sync.Once
	ready     chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New returns a compiler process; Start spawns the worker.
func New(opts Options) *CompilerProcess {
	if opts.Registry == nil {
		opts.Registry = testrun.NewRegistry[testrun.TestRun]()
	}
	if len(opts.WorkerArgs) == 0 {
		opts.WorkerArgs = []string{"worker"}
	}
	return &CompilerProcess{
		opts:     opts,
		logger:   opts.Logger.WithField("component", "compiler"),
		registry: opts.Registry,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Registry returns the registry the inbound requests are routed with.
func (p *CompilerProcess) Registry() *testrun.Registry[testrun.TestRun] {
	return p.registry
}

// DebugEndpoint returns the endpoint negotiated by Start.
func (p *CompilerProcess) DebugEndpoint() DebugEndpoint {
	return p.endpoint
}

// Start spawns the worker and waits until it is ready. ctx bounds the life
// of the worker.
func (p *CompilerProcess) Start(ctx context.Context, engineFlags []string) error {
	ep, err := ParseDebugEndpoint(engineFlags)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.WorkerSpawnFailed)
	}
	p.endpoint = ep
	p.logger.WithFields(logrus.Fields{
		"host":        ep.Host,
		"port":        ep.Port,
		"isDefault":   ep.IsDefault,
		"stopOnStart": ep.StopOnStart,
	}).Debug("Negotiated the debug endpoint")

	transport := p.opts.Transport
	if transport == nil {
		executable := p.opts.Executable
		if executable == "" {
			if executable, err = os.Executable(); err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.WorkerSpawnFailed)
			}
		}
		args := make([]string, 0, len(p.opts.WorkerArgs)+len(engineFlags)+1)
		args = append(append(append(args, p.opts.WorkerArgs...), engineFlags...), ep.Flag())
		p.worker, err = spawn(ctx, executable, args, p.opts.Env, p.logger)
		if err != nil {
			err = errext.WithHint(err, fmt.Sprintf(
				"the worker is started as '%s %s'; check that the executable is still in place",
				executable, strings.Join(p.opts.WorkerArgs, " ")))
			return errext.WithExitCodeIfNone(err, exitcodes.WorkerSpawnFailed)
		}
		transport = p.worker.transport
	}

	p.t = transmitter.New(ctx, transport, p.opts.Logger)
	p.registerHandlers()
	p.t.Start()

	select {
	case <-p.ready:
	case <-p.t.Done():
		err := errext.WithHint(
			fmt.Errorf("the worker went away before it was ready: %w", p.t.Err()),
			"its own output is above; run with --verbose to also see its debug logs",
		)
		return errext.WithExitCodeIfNone(err, exitcodes.WorkerSpawnFailed)
	case <-ctx.Done():
		return ctx.Err()
	}

	p.attachInspector(ctx)
	go p.watchExit()
	return nil
}

func (p *CompilerProcess) attachInspector(ctx context.Context) {
	client, err := inspector.Dial(ctx, p.endpoint.Host, p.endpoint.Port, p.opts.Logger)
	if err != nil {
		p.logger.WithError(err).Warn("Could not attach to the debug endpoint of the worker")
		return
	}
	client.On(cdproto.EventDebuggerPaused, func(ev interface{}) {
		if paused, ok := ev.(*debugger.EventPaused); ok {
			p.logger.WithField("reason", paused.Reason).Debug("Worker paused")
		}
		p.StopTests()
	})
	if _, err := debugger.Enable().Do(cdp.WithExecutor(ctx, client)); err != nil {
		p.logger.WithError(err).Debug("Could not enable the debugger domain")
	}
	p.inspector = client
}

func (p *CompilerProcess) watchExit() {
	<-p.t.Done()
	p.emit(event.WorkerExit, event.WorkerExitData{Error: p.t.Err()})
}

// GetTests compiles sources in the worker and returns the runnable tests.
func (p *CompilerProcess) GetTests(ctx context.Context, sources []string) ([]*Test, error) {
	var descs []structure.TestDescriptor
	call := p.t.Send(ctx, protocol.EventGetTests, &protocol.GetTests{Sources: sources})
	if err := call.Decode(ctx, &descs); err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.TestCompilationFailed)
	}
	tests, _ := p.wrapTests(descs)
	return tests, nil
}

// RunTest runs the function of the worker-side actor idx in slot. runID is
// empty for fixture-level functions.
func (p *CompilerProcess) RunTest(
	ctx context.Context, idx string, actor protocol.ActorKind, runID string, slot protocol.Slot,
) (easyjson.RawMessage, error) {
	return p.t.Send(ctx, protocol.EventRunTest, &protocol.FunctionRef{
		Idx:       idx,
		Actor:     actor,
		Func:      slot,
		TestRunID: runID,
	}).Wait(ctx)
}

// StopTests asks for the tests to stop progressing. Test code already running
// is not interrupted.
func (p *CompilerProcess) StopTests() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.logger.Info("Stopping the tests")
		if err := p.t.Emit(protocol.EventStopTests, nil); err != nil {
			p.logger.WithError(err).Debug("Could not notify the worker")
		}
		p.emit(event.TestsStopped, nil)
	})
}

// Stopped is closed once StopTests was called.
func (p *CompilerProcess) Stopped() <-chan struct{} {
	return p.stopped
}

// ReleaseTestRun drops the worker-side proxy of a finished test run.
func (p *CompilerProcess) ReleaseTestRun(ctx context.Context, runID string) error {
	_, err := p.t.Send(ctx, protocol.EventReleaseTestRun, &protocol.ReleaseTestRun{ID: runID}).Wait(ctx)
	return err
}

// CleanUp tells the worker to release what the compiled tests hold.
func (p *CompilerProcess) CleanUp(ctx context.Context) error {
	_, err := p.t.Send(ctx, protocol.EventCleanUp, nil).Wait(ctx)
	return err
}

// Stop terminates the worker and tears the transport down. Pending calls
// fail.
func (p *CompilerProcess) Stop(ctx context.Context) error {
	if p.t == nil {
		return nil
	}
	_, err := p.t.Send(ctx, protocol.EventExit, nil).Wait(ctx)
	if err != nil && !errors.Is(err, transmitter.ErrTransportClosed) {
		p.logger.WithError(err).Debug("The worker did not acknowledge the exit")
	}
	if p.inspector != nil {
		_ = p.inspector.Close()
	}
	_ = p.t.Close()

	if p.worker == nil {
		return nil
	}
	if err := p.worker.wait(ctx); err != nil {
		if ctx.Err() != nil {
			p.worker.kill()
			return ctx.Err()
		}
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			p.logger.WithError(err).Debug("Worker exit status")
			return nil
		}
		return err
	}
	return nil
}

func (p *CompilerProcess) emit(typ event.Type, data any) {
	if p.opts.Events == nil {
		return
	}
	p.opts.Events.Emit(&event.Event{Type: typ, Data: data})
}

func (p *CompilerProcess) registerHandlers() {
	p.t.On(protocol.EventReady, func(context.Context, *transmitter.Message) (interface{}, error) {
		p.readyOnce.Do(func() { close(p.ready) })
		return nil, nil
	})
	p.t.On(protocol.EventTestFileAdded, p.handleTestFileAdded)
	p.t.On(protocol.EventDebug, p.handleDebug)
	p.t.On(protocol.EventExecuteCommand, p.handleExecuteCommand)
	p.t.On(protocol.EventUseRole, p.handleUseRole)
	p.t.On(protocol.EventAddRequestHooks, p.handleAddRequestHooks)
	p.t.On(protocol.EventRemoveRequestHooks, p.handleRemoveRequestHooks)
}

func (p *CompilerProcess) handleTestFileAdded(_ context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.TestFileAdded
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	p.logger.WithField("filename", payload.Filename).Debug("Test file added")
	p.emit(event.TestFileAdded, event.TestFileAddedData{Filename: payload.Filename})
	return nil, nil
}

func (p *CompilerProcess) handleDebug(_ context.Context, msg *transmitter.Message) (interface{}, error) {
	p.emit(event.Debug, event.DebugData{TestRunID: msg.TestRunID})
	p.StopTests()
	return nil, nil
}

// lookup returns the test run a request is addressed to. Runs finish while
// their requests are in flight, so a miss is expected and not reported.
func (p *CompilerProcess) lookup(id string) (testrun.TestRun, bool) {
	run, ok := p.registry.Get(id)
	if !ok {
		p.logger.WithField("testRunId", id).Trace("Dropping a request for an unknown test run")
	}
	return run, ok
}

func (p *CompilerProcess) handleExecuteCommand(ctx context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.ExecuteCommand
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	run, ok := p.lookup(payload.ID)
	if !ok || payload.Command == nil {
		return nil, nil
	}
	return run.ExecuteCommand(ctx, payload.Command)
}

func (p *CompilerProcess) handleUseRole(ctx context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.UseRole
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	run, ok := p.lookup(payload.ID)
	if !ok {
		return nil, nil
	}
	return run.ExecuteCommand(ctx, command.NewUseRole(p.rebuildRole(payload.Role)))
}

// rebuildRole turns a role descriptor into a host role. Its initialization
// function, if any, runs in the worker.
func (p *CompilerProcess) rebuildRole(d structure.RoleDescriptor) *role.Role {
	var initFn role.InitFunc
	if d.HasInitFn {
		initFn = func(ctx context.Context, run role.Run) error {
			_, err := p.RunTest(ctx, d.ID, protocol.ActorRoles, run.ID(), protocol.SlotInitFn)
			return err
		}
	}
	return role.New(d.ID, d.LoginPage, initFn, d.Options)
}

func (p *CompilerProcess) handleAddRequestHooks(_ context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.RequestHooks
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	run, ok := p.lookup(payload.ID)
	if !ok {
		return nil, nil
	}
	for _, h := range payload.Hooks {
		run.AddRequestHook(p.newRequestHookProxy(h))
	}
	return nil, nil
}

func (p *CompilerProcess) handleRemoveRequestHooks(_ context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.RequestHooks
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	run, ok := p.lookup(payload.ID)
	if !ok {
		return nil, nil
	}
	for _, h := range payload.Hooks {
		run.RemoveRequestHook(h.ID)
	}
	return nil, nil
}
