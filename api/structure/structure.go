// Package structure is the authoring model of test files: fixtures, tests,
// roles and request hooks as the test code declares them in the worker.
//
// The model is naturally cyclic (a test file lists its tests, every test
// points back to its file and fixture). TestFile.GetTests resolves inherited
// properties and cuts the cycles; Descriptor methods then produce the
// transmission-safe shapes that cross the process boundary.
package structure

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/role"
	"github.com/liuxd6825/k6bridge/command"
)

// ErrNoFixture is returned when a test is declared before any fixture.
var ErrNoFixture = errors.New("cannot create a test before a fixture")

// Controller is the test run as test code sees it.
type Controller interface {
	ID() string
	ExecuteCommand(ctx context.Context, cmd *command.Command) (json.RawMessage, error)
	ExecuteCommandSync(cmd *command.Command) (interface{}, error)
	AddRequestHooks(ctx context.Context, hooks ...*RequestHook) error
	RemoveRequestHooks(ctx context.Context, hooks ...*RequestHook) error
	UseRole(ctx context.Context, r *Role) error
	Debug()
}

// Func is a piece of test code. t is nil for fixture-level functions, which
// don't run in the context of a test run.
type Func func(ctx context.Context, t Controller) (interface{}, error)

// AuthCredentials are the HTTP authentication credentials of a page.
type AuthCredentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Domain      string `json:"domain,omitempty"`
	Workstation string `json:"workstation,omitempty"`
}

// TestFile collects the fixtures and tests declared by one source file.
type TestFile struct {
	Filename       string
	CurrentFixture *Fixture
	CollectedTests []*Test
}

// NewTestFile returns an empty test file.
func NewTestFile(filename string) *TestFile {
	return &TestFile{Filename: filename}
}

// AddFixture declares a fixture; the tests declared after it belong to it.
func (tf *TestFile) AddFixture(name string) *Fixture {
	f := &Fixture{ID: uuid.NewString(), Name: name, TestFile: tf}
	tf.CurrentFixture = f
	return f
}

// AddTest declares a test in the current fixture.
func (tf *TestFile) AddTest(name string, fn Func) (*Test, error) {
	f := tf.CurrentFixture
	if f == nil {
		return nil, ErrNoFixture
	}
	t := &Test{
		ID:           uuid.NewString(),
		Name:         name,
		Fn:           fn,
		Fixture:      f,
		TestFile:     tf,
		RequestHooks: append([]*RequestHook(nil), f.RequestHooks...),
	}
	tf.CollectedTests = append(tf.CollectedTests, t)
	return t, nil
}

// Fixture groups tests sharing hooks and page settings.
type Fixture struct {
	ID       string
	Name     string
	TestFile *TestFile

	PageURL            string
	AuthCredentials    *AuthCredentials
	Skip               bool
	Only               bool
	DisablePageReloads null.Bool
	DisablePageCaching bool
	Meta               map[string]string
	RequestHooks       []*RequestHook

	BeforeEachFn Func
	AfterEachFn  Func
	BeforeFn     Func
	AfterFn      Func
}

// Test is a single test.
type Test struct {
	ID       string
	Name     string
	Fixture  *Fixture
	TestFile *TestFile

	PageURL            string
	AuthCredentials    *AuthCredentials
	Skip               bool
	Only               bool
	DisablePageReloads null.Bool
	DisablePageCaching bool
	Meta               map[string]string
	RequestHooks       []*RequestHook

	Fn       Func
	BeforeFn Func
	AfterFn  Func
}

// Role is an authentication role declared by test code.
type Role struct {
	ID        string
	LoginPage string
	Options   role.Options
	InitFn    Func
}

// NewRole declares a role. initFn may be nil.
func NewRole(loginPage string, initFn Func, opts role.Options) *Role {
	return &Role{ID: uuid.NewString(), LoginPage: loginPage, InitFn: initFn, Options: opts}
}

// Descriptor returns the transmission-safe shape of the role.
func (r *Role) Descriptor() RoleDescriptor {
	return RoleDescriptor{
		ID:        r.ID,
		LoginPage: r.LoginPage,
		HasInitFn: r.InitFn != nil,
		Options:   r.Options,
	}
}

// RequestHook is a request hook declared by test code. Both callbacks are
// optional.
type RequestHook struct {
	ID         string
	Rules      []string
	OnRequest  func(ctx context.Context, e *requesthook.RequestEvent) error
	OnResponse func(ctx context.Context, e *requesthook.ResponseEvent) error
}

// NewRequestHook declares a request hook filtered by rules.
func NewRequestHook(rules ...string) *RequestHook {
	return &RequestHook{ID: uuid.NewString(), Rules: rules}
}

// Descriptor returns the transmission-safe shape of the hook.
func (h *RequestHook) Descriptor() requesthook.Descriptor {
	return requesthook.Descriptor{ID: h.ID, Rules: h.Rules}
}
