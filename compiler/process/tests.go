package process

import (
	"context"

	"github.com/mailru/easyjson"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/api/testrun"
	"github.com/liuxd6825/k6bridge/compiler/protocol"
)

// RunFunc runs a piece of test code in the context of a test run.
type RunFunc func(ctx context.Context, run testrun.TestRun) (easyjson.RawMessage, error)

// FixtureFunc runs a fixture-level piece of test code.
type FixtureFunc func(ctx context.Context) (easyjson.RawMessage, error)

// Test is a test as the host runs it. Its functions live in the worker; a nil
// function means the test does not define it.
type Test struct {
	structure.TestDescriptor

	Fixture      *Fixture
	RequestHooks []requesthook.Hook

	Fn       RunFunc
	BeforeFn RunFunc
	AfterFn  RunFunc
}

// Fixture is a fixture as the host runs it. Fixtures are shared by their
// tests.
type Fixture struct {
	structure.FixtureDescriptor

	BeforeEachFn RunFunc
	AfterEachFn  RunFunc
	BeforeFn     FixtureFunc
	AfterFn      FixtureFunc
}

func (p *CompilerProcess) runFunc(id string, actor protocol.ActorKind, slot protocol.Slot) RunFunc {
	return func(ctx context.Context, run testrun.TestRun) (easyjson.RawMessage, error) {
		return p.RunTest(ctx, id, actor, run.ID(), slot)
	}
}

func (p *CompilerProcess) fixtureFunc(id string, slot protocol.Slot) FixtureFunc {
	return func(ctx context.Context) (easyjson.RawMessage, error) {
		return p.RunTest(ctx, id, protocol.ActorFixtures, "", slot)
	}
}

// wrapTests turns descriptors into runnable tests. Fixtures are deduplicated
// by id, in the order they are first seen.
func (p *CompilerProcess) wrapTests(descs []structure.TestDescriptor) ([]*Test, []*Fixture) {
	var (
		tests    = make([]*Test, 0, len(descs))
		fixtures []*Fixture
		byID     = make(map[string]*Fixture)
	)
	for _, d := range descs {
		f, ok := byID[d.Fixture.ID]
		if !ok {
			f = p.wrapFixture(d.Fixture)
			byID[f.ID] = f
			fixtures = append(fixtures, f)
		}

		t := &Test{TestDescriptor: d, Fixture: f}
		if d.Fn {
			t.Fn = p.runFunc(d.ID, protocol.ActorTests, protocol.SlotFn)
		}
		if d.BeforeFn {
			t.BeforeFn = p.runFunc(d.ID, protocol.ActorTests, protocol.SlotBeforeFn)
		}
		if d.AfterFn {
			t.AfterFn = p.runFunc(d.ID, protocol.ActorTests, protocol.SlotAfterFn)
		}
		for _, h := range d.RequestHooks {
			t.RequestHooks = append(t.RequestHooks, p.newRequestHookProxy(h))
		}
		tests = append(tests, t)
	}
	return tests, fixtures
}

func (p *CompilerProcess) wrapFixture(d structure.FixtureDescriptor) *Fixture {
	f := &Fixture{FixtureDescriptor: d}
	if d.BeforeEachFn {
		f.BeforeEachFn = p.runFunc(d.ID, protocol.ActorFixtures, protocol.SlotBeforeEachFn)
	}
	if d.AfterEachFn {
		f.AfterEachFn = p.runFunc(d.ID, protocol.ActorFixtures, protocol.SlotAfterEachFn)
	}
	if d.BeforeFn {
		f.BeforeFn = p.fixtureFunc(d.ID, protocol.SlotBeforeFn)
	}
	if d.AfterFn {
		f.AfterFn = p.fixtureFunc(d.ID, protocol.SlotAfterFn)
	}
	return f
}
