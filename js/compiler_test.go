package js

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/assertions"
	"github.com/liuxd6825/k6bridge/command"
	"github.com/liuxd6825/k6bridge/lib/testutils"
)

type fakeController struct {
	id     string
	failOn command.Type

	mu       sync.Mutex
	commands []string
	waits    []time.Duration
	roles    []*structure.Role
}

var _ structure.Controller = &fakeController{}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, s)
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeController) ID() string { return f.id }

func (f *fakeController) ExecuteCommand(_ context.Context, cmd *command.Command) (json.RawMessage, error) {
	f.record(string(cmd.Type) + " " + cmd.Selector + cmd.URL + cmd.Text)
	if cmd.Type == command.TypeWait {
		f.mu.Lock()
		f.waits = append(f.waits, cmd.TimeoutDuration())
		f.mu.Unlock()
	}
	if cmd.Type == f.failOn {
		return nil, errors.New("element not found")
	}
	return json.RawMessage(`"done"`), nil
}

func (f *fakeController) ExecuteCommandSync(cmd *command.Command) (interface{}, error) {
	if cmd.Type != command.TypeAssertion {
		return nil, errors.New("unexpected synchronous command")
	}
	timeout := time.Second
	if cmd.Timeout.Valid {
		timeout = cmd.TimeoutDuration()
	}
	return assertions.NewExecutor(cmd, timeout, cmd.Assertion.Callsite).Run(context.Background())
}

func (f *fakeController) AddRequestHooks(_ context.Context, hooks ...*structure.RequestHook) error {
	for _, h := range hooks {
		f.record("add-hook " + h.Rules[0])
	}
	return nil
}

func (f *fakeController) RemoveRequestHooks(_ context.Context, hooks ...*structure.RequestHook) error {
	for _, h := range hooks {
		f.record("remove-hook " + h.Rules[0])
	}
	return nil
}

func (f *fakeController) UseRole(ctx context.Context, r *structure.Role) error {
	f.mu.Lock()
	f.roles = append(f.roles, r)
	f.mu.Unlock()
	if r.InitFn == nil {
		return nil
	}
	// the host initializes the role while the test waits
	_, err := r.InitFn(ctx, f)
	return err
}

func (f *fakeController) Debug() { f.record("debug") }

func compile(t *testing.T, src string) (*structure.TestFile, *testutils.LogHook) {
	t.Helper()
	logger, hook := testutils.NewLogger(t)
	c := New(logger)
	t.Cleanup(c.CleanUp)
	tf, err := c.Compile(context.Background(), "a.test.js", []byte(src))
	require.NoError(t, err)
	return tf, hook
}

func compileErr(t *testing.T, src string) error {
	t.Helper()
	logger, _ := testutils.NewLogger(t)
	c := New(logger)
	t.Cleanup(c.CleanUp)
	_, err := c.Compile(context.Background(), "a.test.js", []byte(src))
	require.Error(t, err)
	return err
}

func findTest(t *testing.T, tf *structure.TestFile, name string) *structure.Test {
	t.Helper()
	for _, test := range tf.CollectedTests {
		if test.Name == name {
			return test
		}
	}
	t.Fatalf("no test named %q", name)
	return nil
}

func TestDeclarations(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, "fixture `Login page`\n"+`
	.page("http://example.com/login")
	.httpAuth({ username: "user", password: "secret" })
	.meta({ owner: "auth" })
	.disablePageReloads
	.beforeEach(async t => {});

test("plain", async t => {});
test("configured", async t => {})
	.page("http://example.com/other")
	.meta("severity", "high")
	.enablePageReloads
	.disablePageCaching
	.before(async t => {})
	.skip;
test.only("focused", async t => {});

fixture.skip("Skipped");
test("inherits skip", async t => {});
`)

	require.Len(t, tf.CollectedTests, 4)
	tests := tf.GetTests()

	plain := tests[0]
	assert.Equal(t, "Login page", plain.Fixture.Name)
	assert.Equal(t, "http://example.com/login", plain.PageURL)
	require.NotNil(t, plain.AuthCredentials)
	assert.Equal(t, "user", plain.AuthCredentials.Username)
	assert.Equal(t, "secret", plain.AuthCredentials.Password)
	assert.True(t, plain.DisablePageReloads.Bool)
	assert.NotNil(t, plain.Fn)
	assert.Nil(t, plain.BeforeFn)
	assert.NotNil(t, plain.Fixture.BeforeEachFn)
	assert.Nil(t, plain.Fixture.AfterEachFn)
	assert.Equal(t, map[string]string{"owner": "auth"}, plain.Fixture.Meta)

	configured := tests[1]
	assert.Equal(t, "http://example.com/other", configured.PageURL)
	assert.Equal(t, map[string]string{"severity": "high"}, configured.Meta)
	assert.True(t, configured.DisablePageReloads.Valid)
	assert.False(t, configured.DisablePageReloads.Bool)
	assert.True(t, configured.DisablePageCaching)
	assert.NotNil(t, configured.BeforeFn)
	assert.True(t, configured.Skip)

	assert.True(t, tests[2].Only)
	assert.False(t, tests[2].Skip)

	assert.Equal(t, "Skipped", tests[3].Fixture.Name)
	assert.True(t, tests[3].Skip)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	t.Run("test before fixture", func(t *testing.T) {
		t.Parallel()
		err := compileErr(t, `test("orphan", async t => {});`)
		assert.ErrorIs(t, err, structure.ErrNoFixture)
	})
	t.Run("syntax", func(t *testing.T) {
		t.Parallel()
		compileErr(t, `fixture("f"); test("broken", async t => {`)
	})
	t.Run("test body", func(t *testing.T) {
		t.Parallel()
		err := compileErr(t, `fixture("f"); test("no body");`)
		assert.ErrorContains(t, err, "test body is expected to be a function")
	})
	t.Run("thrown at top level", func(t *testing.T) {
		t.Parallel()
		err := compileErr(t, `throw new Error("cannot load")`)
		var serr *ScriptError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Message, "cannot load")
		assert.Contains(t, serr.StackTrace(), "a.test.js")
	})
}

func TestActionsRunInOrder(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f");
test("actions", async t => {
	await t.click("#name").typeText("#name", "Peter");
	await t.navigateTo("http://example.com/next");
	await t.wait(10);
	const res = await t.click("#submit");
	return res + "!";
});
`)
	c := &fakeController{id: "run-1"}
	res, err := findTest(t, tf, "actions").Fn(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "done!", res)
	assert.Equal(t, []string{
		"click #name",
		"type-text #namePeter",
		"navigate-to http://example.com/next",
		"wait ",
		"click #submit",
	}, c.recorded())
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f");
test("failing", async t => {
	await t.click("#missing").typeText("#name", "Peter");
});
test("caught", async t => {
	try {
		await t.click("#missing");
	} catch (e) {
		return "recovered: " + e.message;
	}
});
`)
	c := &fakeController{id: "run-1", failOn: command.TypeClick}
	_, err := findTest(t, tf, "failing").Fn(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, "element not found", err.Error())
	assert.Equal(t, []string{"click #missing"}, c.recorded())

	res, err := findTest(t, tf, "caught").Fn(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "recovered: element not found", res)
}

func TestAssertions(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f");
test("passing", async t => {
	await t.expect(1 + 1).eql(2).expect("abc").contains("b");
	await t.expect(false).notOk();
	await t.expect(Promise.resolve(3)).notEql(4);
});
test("retried", async t => {
	let n = 0;
	await t.expect(() => ++n).eql(3, { timeout: 2000 });
	return n;
});
test("failing", async t => {
	await t.expect("a").eql("b", "letters differ");
});
`)
	ctx := context.Background()

	_, err := findTest(t, tf, "passing").Fn(ctx, &fakeController{id: "run-1"})
	require.NoError(t, err)

	res, err := findTest(t, tf, "retried").Fn(ctx, &fakeController{id: "run-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res)

	_, err = findTest(t, tf, "failing").Fn(ctx, &fakeController{id: "run-3"})
	var aerr *command.AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "letters differ", aerr.Message)
	assert.Equal(t, "eql", aerr.Operator)
	assert.Contains(t, aerr.Callsite, "a.test.js:14:")
}

func TestDurations(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f");
test("retried", async t => {
	let n = 0;
	await t.expect(() => ++n).eql(3, { timeout: "2s" });
	return n;
});
test("waits", async t => {
	await t.wait(10).wait("1s").wait(1.5);
});
test("bad wait", async t => {
	await t.wait("soon");
});
test("bad timeout", async t => {
	await t.expect(1).ok({ timeout: {} });
});
`)
	ctx := context.Background()

	res, err := findTest(t, tf, "retried").Fn(ctx, &fakeController{id: "run-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res)

	c := &fakeController{id: "run-2"}
	_, err = findTest(t, tf, "waits").Fn(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, time.Second, time.Millisecond}, c.waits)

	for _, name := range []string{"bad wait", "bad timeout"} {
		_, err = findTest(t, tf, name).Fn(ctx, &fakeController{id: "run-3"})
		var serr *ScriptError
		require.ErrorAs(t, err, &serr, name)
		assert.Contains(t, serr.Message, "TypeError", name)
		assert.Contains(t, serr.Message, "is expected to be a duration", name)
	}
}

func TestScriptErrors(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f");
test("throws", async t => {
	throw new Error("boom");
});
test("rejects with a string", () => Promise.reject("nope"));
test("never settles", () => new Promise(() => {}));
test("synchronous", t => 7);
`)
	ctx := context.Background()
	c := &fakeController{id: "run-1"}

	_, err := findTest(t, tf, "throws").Fn(ctx, c)
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "boom")

	_, err = findTest(t, tf, "rejects with a string").Fn(ctx, c)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "nope", serr.Message)

	_, err = findTest(t, tf, "never settles").Fn(ctx, c)
	assert.ErrorIs(t, err, ErrNeverSettles)

	res, err := findTest(t, tf, "synchronous").Fn(ctx, c)
	require.NoError(t, err)
	assert.EqualValues(t, 7, res)
}

func TestContexts(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
fixture("f")
	.before(async ctx => { ctx.token = "abc"; })
	.beforeEach(async t => { t.ctx.user = t.testRun; });
test("reads", async t => t.ctx.user + ":" + t.fixtureCtx.token);
`)
	ctx := context.Background()
	test := findTest(t, tf, "reads")

	_, err := test.Fixture.BeforeFn(ctx, nil)
	require.NoError(t, err)

	for _, id := range []string{"run-1", "run-2"} {
		c := &fakeController{id: id}
		_, err = test.Fixture.BeforeEachFn(ctx, c)
		require.NoError(t, err)
		res, err := test.Fn(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, id+":abc", res)
	}
}

func TestRolesInitializeWhileTheTestWaits(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
const admin = Role("http://example.com/login", async t => {
	await t.typeText("#user", "admin").click("#sign-in");
}, { preserveUrl: true });

fixture("f");
test("as admin", async t => {
	await t.useRole(admin);
	await t.useRole(Role.anonymous());
	await t.click("#profile");
});
`)
	c := &fakeController{id: "run-1"}
	_, err := findTest(t, tf, "as admin").Fn(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, []string{"type-text #useradmin", "click #sign-in", "click #profile"}, c.recorded())
	require.Len(t, c.roles, 2)
	assert.Equal(t, "http://example.com/login", c.roles[0].LoginPage)
	assert.True(t, c.roles[0].Options.PreserveURL)
	assert.NotNil(t, c.roles[0].InitFn)
	assert.Nil(t, c.roles[1].InitFn)
}

func TestRequestHooks(t *testing.T) {
	t.Parallel()

	tf, _ := compile(t, `
const seen = [];
const logger = RequestHook("http://example.com/**", {
	onRequest: e => { seen.push(e.method + " " + e.url); },
});
const extra = RequestHook(["http://other.com/*"]);

fixture("f").requestHooks(logger);
test("hooks", async t => {
	await t.addRequestHooks(extra);
	await t.removeRequestHooks([extra]);
	return seen;
});
`)
	test := findTest(t, tf, "hooks")
	require.Len(t, test.RequestHooks, 1)
	hook := test.RequestHooks[0]
	assert.Equal(t, []string{"http://example.com/**"}, hook.Rules)
	assert.Nil(t, hook.OnResponse)
	require.NotNil(t, hook.OnRequest)

	ctx := context.Background()
	require.NoError(t, hook.OnRequest(ctx, &requesthook.RequestEvent{URL: "http://example.com/a", Method: "GET"}))

	c := &fakeController{id: "run-1"}
	res, err := test.Fn(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"GET http://example.com/a"}, res)
	assert.Equal(t, []string{"add-hook http://other.com/*", "remove-hook http://other.com/*"}, c.recorded())
}

func TestDebugAndConsole(t *testing.T) {
	t.Parallel()

	tf, hook := compile(t, `
fixture("f");
test("debugging", async t => {
	console.log("state", { step: 1 });
	await t.debug();
});
`)
	c := &fakeController{id: "run-1"}
	_, err := findTest(t, tf, "debugging").Fn(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"debug"}, c.recorded())
	assert.True(t, hook.Contains(logrus.InfoLevel, `state {"step":1}`))
}

func TestCleanUpReleasesTheRuntime(t *testing.T) {
	t.Parallel()

	logger, _ := testutils.NewLogger(t)
	c := New(logger)
	tf, err := c.Compile(context.Background(), "a.test.js", []byte(`fixture("f"); test("t", async t => 1);`))
	require.NoError(t, err)

	c.CleanUp()
	_, err = tf.CollectedTests[0].Fn(context.Background(), &fakeController{id: "run-1"})
	assert.ErrorIs(t, err, errLoopClosed)
}
