// Package execution runs the tests compiled by the worker: fixtures run
// concurrently, the tests of a fixture one after the other.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/k6bridge/api/testrun"
	"github.com/liuxd6825/k6bridge/compiler/process"
)

// ErrStopped is the outcome of the tests that did not run because the tests
// were stopped.
var ErrStopped = errors.New("tests were stopped")

// Status is the outcome of a test.
type Status string

// Test statuses.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one test.
type Result struct {
	Test     *process.Test
	RunID    string
	Status   Status
	Err      error
	Duration time.Duration
}

// Bridge is the part of the compiler process the runner drives.
type Bridge interface {
	Registry() *testrun.Registry[testrun.TestRun]
	Stopped() <-chan struct{}
	ReleaseTestRun(ctx context.Context, runID string) error
}

// Runner runs tests through a bridge, executing their commands with Executor.
type Runner struct {
	Bridge      Bridge
	Executor    testrun.CommandExecutor
	Logger      logrus.FieldLogger
	Concurrency int
}

type fixtureGroup struct {
	fixture *process.Fixture
	tests   []int
}

// Run runs tests and returns their results in the same order. When some tests
// are marked only, the others are left out.
func (r *Runner) Run(ctx context.Context, tests []*process.Test) ([]Result, error) {
	tests = filterOnly(tests)
	results := make([]Result, len(tests))

	var groups []*fixtureGroup
	byFixture := make(map[*process.Fixture]*fixtureGroup)
	for i, t := range tests {
		results[i] = Result{Test: t, Status: StatusSkipped}
		g, ok := byFixture[t.Fixture]
		if !ok {
			g = &fixtureGroup{fixture: t.Fixture}
			byFixture[t.Fixture] = g
			groups = append(groups, g)
		}
		g.tests = append(g.tests, i)
	}

	eg, ctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		eg.SetLimit(r.Concurrency)
	}
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			return r.runFixture(ctx, g, tests, results)
		})
	}
	return results, eg.Wait()
}

func filterOnly(tests []*process.Test) []*process.Test {
	var only []*process.Test
	for _, t := range tests {
		if t.Only {
			only = append(only, t)
		}
	}
	if len(only) == 0 {
		return tests
	}
	return only
}

func (r *Runner) runFixture(ctx context.Context, g *fixtureGroup, tests []*process.Test, results []Result) error {
	f := g.fixture
	logger := r.Logger.WithField("fixture", f.Name)

	runnable := g.tests[:0:0]
	for _, i := range g.tests {
		if !tests[i].Skip {
			runnable = append(runnable, i)
		}
	}
	if len(runnable) == 0 {
		return nil
	}
	if r.stopped() {
		for _, i := range runnable {
			results[i].Err = ErrStopped
		}
		return nil
	}

	if f.BeforeFn != nil {
		if _, err := f.BeforeFn(ctx); err != nil {
			logger.WithError(err).Debug("Fixture before hook failed")
			for _, i := range runnable {
				results[i].Status, results[i].Err = StatusFailed, err
			}
			return ctx.Err()
		}
	}

	for _, i := range runnable {
		if r.stopped() {
			results[i].Err = ErrStopped
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		results[i] = r.runTest(ctx, tests[i])
	}

	if f.AfterFn != nil {
		if _, err := f.AfterFn(ctx); err != nil {
			logger.WithError(err).Warn("Fixture after hook failed")
		}
	}
	return ctx.Err()
}

func (r *Runner) stopped() bool {
	select {
	case <-r.Bridge.Stopped():
		return true
	default:
		return false
	}
}

// runTest runs the hooks and the body of t in a fresh test run. A failing
// before hook skips the body; the after hooks always run.
func (r *Runner) runTest(ctx context.Context, t *process.Test) Result {
	run := testrun.NewRun(r.Executor, r.Logger)
	for _, h := range t.RequestHooks {
		run.AddRequestHook(h)
	}
	res := Result{Test: t, RunID: run.ID(), Status: StatusPassed}
	if err := r.Bridge.Registry().Insert(run.ID(), run); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	logger := r.Logger.WithFields(logrus.Fields{"test": t.Name, "testRunId": run.ID()})
	logger.Debug("Running test")
	start := time.Now()

	var firstErr error
	step := func(fn process.RunFunc) {
		if fn == nil {
			return
		}
		if _, err := fn(ctx, run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	step(t.Fixture.BeforeEachFn)
	if firstErr == nil {
		step(t.BeforeFn)
	}
	if firstErr == nil {
		step(t.Fn)
	}
	step(t.AfterFn)
	step(t.Fixture.AfterEachFn)

	res.Duration = time.Since(start)
	r.Bridge.Registry().Remove(run.ID())
	if err := r.Bridge.ReleaseTestRun(ctx, run.ID()); err != nil {
		logger.WithError(err).Debug("Could not release the test run")
	}
	if firstErr != nil {
		res.Status, res.Err = StatusFailed, firstErr
	}
	logger.WithField("status", res.Status).Debug("Test finished")
	return res
}
