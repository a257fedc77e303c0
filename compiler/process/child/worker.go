// Package child is the worker side of the bridge: it compiles test files,
// keeps the functions they declare and runs them when the host asks for them
// by reference.
package child

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/api/testrun"
	"github.com/liuxd6825/k6bridge/compiler/inspector"
	"github.com/liuxd6825/k6bridge/compiler/protocol"
	"github.com/liuxd6825/k6bridge/compiler/transmitter"
	"github.com/liuxd6825/k6bridge/errext"
)

var (
	// ErrUnknownOwner is returned for a function reference whose owner the
	// worker doesn't know.
	ErrUnknownOwner = errors.New("unknown function owner")
	// ErrTestsStopped is returned for test runs started after the host
	// stopped the tests.
	ErrTestsStopped = errors.New("tests are stopped")
)

// Compiler turns the source of a test file into its authoring model.
type Compiler interface {
	Compile(ctx context.Context, filename string, src []byte) (*structure.TestFile, error)
}

// CleanUpper is implemented by compilers holding resources for the files
// they compiled.
type CleanUpper interface {
	CleanUp()
}

// Options configure a Worker.
type Options struct {
	Logger   logrus.FieldLogger
	Fs       afero.Fs
	Compiler Compiler
	Registry *testrun.Registry[*TestRunProxy]
	// Inspector is the debug endpoint of the worker. Optional.
	Inspector *inspector.Server

	AssertionTimeout time.Duration
}

type resolver func(idx string, slot protocol.Slot) (structure.Func, error)

// Worker serves the requests of the host.
type Worker struct {
	ctx              context.Context
	logger           logrus.FieldLogger
	fs               afero.Fs
	compiler         Compiler
	registry         *testrun.Registry[*TestRunProxy]
	inspector        *inspector.Server
	assertionTimeout time.Duration

	t         *transmitter.Transmitter
	lock      *execLock
	resolvers map[protocol.ActorKind]resolver

	mu       sync.RWMutex
	tests    map[string]*structure.Test
	fixtures map[string]*structure.Fixture
	roles    map[string]*structure.Role
	hooks    map[string]*structure.RequestHook

	stopOnce sync.Once
	stopped  chan struct{}
	exitOnce sync.Once
	exit     chan struct{}
}

// New returns a worker serving the host on transport.
func New(ctx context.Context, transport transmitter.Transport, opts Options) *Worker {
	if opts.Registry == nil {
		opts.Registry = testrun.NewRegistry[*TestRunProxy]()
	}
	if opts.AssertionTimeout <= 0 {
		opts.AssertionTimeout = DefaultAssertionTimeout
	}
	w := &Worker{
		ctx:              ctx,
		logger:           opts.Logger.WithField("component", "worker"),
		fs:               opts.Fs,
		compiler:         opts.Compiler,
		registry:         opts.Registry,
		inspector:        opts.Inspector,
		assertionTimeout: opts.AssertionTimeout,
		t:                transmitter.New(ctx, transport, opts.Logger),
		lock:             newExecLock(),
		tests:            make(map[string]*structure.Test),
		fixtures:         make(map[string]*structure.Fixture),
		roles:            make(map[string]*structure.Role),
		hooks:            make(map[string]*structure.RequestHook),
		stopped:          make(chan struct{}),
		exit:             make(chan struct{}),
	}
	w.resolvers = map[protocol.ActorKind]resolver{
		protocol.ActorTests:    w.resolveTest,
		protocol.ActorFixtures: w.resolveFixture,
		protocol.ActorRoles:    w.resolveRole,
	}
	return w
}

// Start starts serving the host and tells it the worker is ready.
func (w *Worker) Start() error {
	w.t.On(protocol.EventGetTests, w.handleGetTests)
	w.t.On(protocol.EventRunTest, w.handleRunTest)
	w.t.On(protocol.EventRequestHook, w.handleRequestHookEvent)
	w.t.On(protocol.EventReleaseTestRun, w.handleReleaseTestRun)
	w.t.On(protocol.EventCleanUp, w.handleCleanUp)
	w.t.On(protocol.EventStopTests, w.handleStopTests)
	w.t.On(protocol.EventExit, w.handleExit)
	w.t.Start()
	return w.t.Emit(protocol.EventReady, nil)
}

// Wait blocks until the host asks the worker to exit or goes away.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.exit:
		return nil
	case <-w.t.Done():
		return w.t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops serving the host. The replies in flight are written first.
func (w *Worker) Close() error {
	return w.t.Close()
}

func (w *Worker) handleGetTests(ctx context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.GetTests
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	if w.inspector != nil {
		if err := w.inspector.WaitForDebugger(ctx); err != nil {
			return nil, err
		}
	}

	descs := make([]structure.TestDescriptor, 0)
	var errs []error
	for _, filename := range payload.Sources {
		tests, err := w.compile(ctx, filename)
		if err != nil {
			errs = append(errs, &errext.TestCompilationError{Filename: filename, Err: err})
			continue
		}
		for _, t := range tests {
			descs = append(descs, t.Descriptor())
		}
	}
	if err := errext.Join(errs...); err != nil {
		return nil, err
	}
	return descs, nil
}

func (w *Worker) compile(ctx context.Context, filename string) ([]*structure.Test, error) {
	if err := w.t.Emit(protocol.EventTestFileAdded, &protocol.TestFileAdded{Filename: filename}); err != nil {
		w.logger.WithError(err).Debug("Could not report the test file")
	}
	src, err := afero.ReadFile(w.fs, filename)
	if err != nil {
		return nil, err
	}
	tf, err := w.compiler.Compile(ctx, filename, src)
	if err != nil {
		return nil, err
	}
	tests := tf.GetTests()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range tests {
		w.tests[t.ID] = t
		w.fixtures[t.Fixture.ID] = t.Fixture
		for _, h := range t.RequestHooks {
			w.hooks[h.ID] = h
		}
		for _, h := range t.Fixture.RequestHooks {
			w.hooks[h.ID] = h
		}
	}
	w.logger.WithFields(logrus.Fields{"filename": filename, "tests": len(tests)}).Debug("Compiled test file")
	return tests, nil
}

func (w *Worker) handleRunTest(ctx context.Context, msg *transmitter.Message) (interface{}, error) {
	var ref protocol.FunctionRef
	if err := msg.Decode(&ref); err != nil {
		return nil, err
	}
	resolve, ok := w.resolvers[ref.Actor]
	if !ok {
		return nil, fmt.Errorf("unknown actor kind %q", ref.Actor)
	}
	fn, err := resolve(ref.Idx, ref.Func)
	if err != nil {
		return nil, err
	}

	var t structure.Controller
	if ref.TestRunID != "" {
		proxy, err := w.proxyFor(ref.TestRunID)
		if err != nil {
			return nil, err
		}
		t = proxy
	} else if ref.Func == protocol.SlotBeforeFn && w.isStopped() {
		return nil, ErrTestsStopped
	}

	release, err := w.lock.acquire(ctx, ref.TestRunID)
	if err != nil {
		return nil, err
	}
	defer release()

	w.logger.WithFields(logrus.Fields{
		"idx":       ref.Idx,
		"actor":     ref.Actor,
		"func":      ref.Func,
		"testRunId": ref.TestRunID,
	}).Debug("Running test code")
	return fn(ctx, t)
}

// proxyFor returns the proxy of the host test run id, creating it on the
// first call. No new run starts once the tests are stopped.
func (w *Worker) proxyFor(id string) (*TestRunProxy, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.registry.Get(id); ok {
		return p, nil
	}
	if w.isStopped() {
		return nil, ErrTestsStopped
	}
	return newTestRunProxy(id, w)
}

func (w *Worker) resolveTest(idx string, slot protocol.Slot) (structure.Func, error) {
	w.mu.RLock()
	t, ok := w.tests[idx]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: test %s", ErrUnknownOwner, idx)
	}
	var fn structure.Func
	switch slot {
	case protocol.SlotFn:
		fn = t.Fn
	case protocol.SlotBeforeFn:
		fn = t.BeforeFn
	case protocol.SlotAfterFn:
		fn = t.AfterFn
	}
	return checkSlot(fn, protocol.ActorTests, idx, slot)
}

func (w *Worker) resolveFixture(idx string, slot protocol.Slot) (structure.Func, error) {
	w.mu.RLock()
	f, ok := w.fixtures[idx]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: fixture %s", ErrUnknownOwner, idx)
	}
	var fn structure.Func
	switch slot {
	case protocol.SlotBeforeEachFn:
		fn = f.BeforeEachFn
	case protocol.SlotAfterEachFn:
		fn = f.AfterEachFn
	case protocol.SlotBeforeFn:
		fn = f.BeforeFn
	case protocol.SlotAfterFn:
		fn = f.AfterFn
	}
	return checkSlot(fn, protocol.ActorFixtures, idx, slot)
}

func (w *Worker) resolveRole(idx string, slot protocol.Slot) (structure.Func, error) {
	w.mu.RLock()
	r, ok := w.roles[idx]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrUnknownOwner, idx)
	}
	var fn structure.Func
	if slot == protocol.SlotInitFn {
		fn = r.InitFn
	}
	return checkSlot(fn, protocol.ActorRoles, idx, slot)
}

func checkSlot(fn structure.Func, actor protocol.ActorKind, idx string, slot protocol.Slot) (structure.Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("%s %s has no %s function", actor, idx, slot)
	}
	return fn, nil
}

func (w *Worker) registerRole(r *structure.Role) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roles[r.ID] = r
}

func (w *Worker) registerHooks(hooks ...*structure.RequestHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range hooks {
		w.hooks[h.ID] = h
	}
}

type requestHookEvent struct {
	HookID    string          `json:"hookId"`
	Name      string          `json:"name"`
	TestRunID string          `json:"testRunId"`
	Event     json.RawMessage `json:"event"`
}

func (w *Worker) handleRequestHookEvent(ctx context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload requestHookEvent
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	w.mu.RLock()
	h, ok := w.hooks[payload.HookID]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: request hook %s", ErrUnknownOwner, payload.HookID)
	}

	release, err := w.lock.acquire(ctx, payload.TestRunID)
	if err != nil {
		return nil, err
	}
	defer release()

	switch payload.Name {
	case requesthook.EventOnRequest:
		if h.OnRequest == nil {
			return nil, nil
		}
		var e requesthook.RequestEvent
		if err := json.Unmarshal(payload.Event, &e); err != nil {
			return nil, err
		}
		return nil, h.OnRequest(ctx, &e)
	case requesthook.EventOnResponse:
		if h.OnResponse == nil {
			return nil, nil
		}
		var e requesthook.ResponseEvent
		if err := json.Unmarshal(payload.Event, &e); err != nil {
			return nil, err
		}
		return nil, h.OnResponse(ctx, &e)
	default:
		return nil, fmt.Errorf("unknown request hook event %q", payload.Name)
	}
}

func (w *Worker) handleReleaseTestRun(_ context.Context, msg *transmitter.Message) (interface{}, error) {
	var payload protocol.ReleaseTestRun
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	w.registry.Remove(payload.ID)
	return nil, nil
}

func (w *Worker) handleCleanUp(context.Context, *transmitter.Message) (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tests = make(map[string]*structure.Test)
	w.fixtures = make(map[string]*structure.Fixture)
	w.roles = make(map[string]*structure.Role)
	w.hooks = make(map[string]*structure.RequestHook)
	w.registry.Range(func(id string, _ *TestRunProxy) bool {
		w.registry.Remove(id)
		return true
	})
	if c, ok := w.compiler.(CleanUpper); ok {
		c.CleanUp()
	}
	w.logger.Debug("Cleaned up")
	return nil, nil
}

func (w *Worker) handleStopTests(context.Context, *transmitter.Message) (interface{}, error) {
	w.stopOnce.Do(func() {
		w.logger.Info("Tests stopped by the host")
		close(w.stopped)
	})
	return nil, nil
}

func (w *Worker) isStopped() bool {
	select {
	case <-w.stopped:
		return true
	default:
		return false
	}
}

func (w *Worker) handleExit(context.Context, *transmitter.Message) (interface{}, error) {
	w.exitOnce.Do(func() { close(w.exit) })
	return nil, nil
}
