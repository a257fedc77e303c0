package structure

import (
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/role"
)

// TestFileStub is what remains of a test file once cycles are cut. Filename
// is the only field guaranteed to be present.
type TestFileStub struct {
	Filename string `json:"filename"`
}

// TestDescriptor is the transmission-safe shape of a test. The function
// slots are only present when the test defines the function.
type TestDescriptor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Fixture  FixtureDescriptor `json:"fixture"`
	TestFile TestFileStub      `json:"testFile"`

	Fn       bool `json:"fn,omitempty"`
	BeforeFn bool `json:"beforeFn,omitempty"`
	AfterFn  bool `json:"afterFn,omitempty"`

	RequestHooks       []requesthook.Descriptor `json:"requestHooks"`
	Skip               bool                     `json:"skip,omitempty"`
	Only               bool                     `json:"only,omitempty"`
	PageURL            string                   `json:"pageUrl,omitempty"`
	AuthCredentials    *AuthCredentials         `json:"authCredentials,omitempty"`
	DisablePageReloads null.Bool                `json:"disablePageReloads"`
	DisablePageCaching bool                     `json:"disablePageCaching,omitempty"`
	Meta               map[string]string        `json:"meta,omitempty"`
}

// FixtureDescriptor is the transmission-safe shape of a fixture.
type FixtureDescriptor struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	TestFile TestFileStub `json:"testFile"`

	BeforeEachFn bool `json:"beforeEachFn,omitempty"`
	AfterEachFn  bool `json:"afterEachFn,omitempty"`
	BeforeFn     bool `json:"beforeFn,omitempty"`
	AfterFn      bool `json:"afterFn,omitempty"`

	Skip               bool              `json:"skip,omitempty"`
	Only               bool              `json:"only,omitempty"`
	PageURL            string            `json:"pageUrl,omitempty"`
	DisablePageReloads null.Bool         `json:"disablePageReloads"`
	DisablePageCaching bool              `json:"disablePageCaching,omitempty"`
	Meta               map[string]string `json:"meta,omitempty"`
}

// RoleDescriptor is the transmission-safe shape of a role. HasInitFn tells
// the host whether to build an initialization trampoline.
type RoleDescriptor struct {
	ID        string       `json:"id"`
	LoginPage string       `json:"loginPage"`
	HasInitFn bool         `json:"hasInitFn,omitempty"`
	Options   role.Options `json:"options"`
}

// Descriptor returns the transmission-safe shape of the fixture.
func (f *Fixture) Descriptor() FixtureDescriptor {
	return FixtureDescriptor{
		ID:                 f.ID,
		Name:               f.Name,
		TestFile:           TestFileStub{Filename: f.TestFile.Filename},
		BeforeEachFn:       f.BeforeEachFn != nil,
		AfterEachFn:        f.AfterEachFn != nil,
		BeforeFn:           f.BeforeFn != nil,
		AfterFn:            f.AfterFn != nil,
		Skip:               f.Skip,
		Only:               f.Only,
		PageURL:            f.PageURL,
		DisablePageReloads: f.DisablePageReloads,
		DisablePageCaching: f.DisablePageCaching,
		Meta:               f.Meta,
	}
}

// Descriptor returns the transmission-safe shape of the test.
func (t *Test) Descriptor() TestDescriptor {
	hooks := make([]requesthook.Descriptor, 0, len(t.RequestHooks))
	for _, h := range t.RequestHooks {
		hooks = append(hooks, h.Descriptor())
	}
	return TestDescriptor{
		ID:                 t.ID,
		Name:               t.Name,
		Fixture:            t.Fixture.Descriptor(),
		TestFile:           TestFileStub{Filename: t.TestFile.Filename},
		Fn:                 t.Fn != nil,
		BeforeFn:           t.BeforeFn != nil,
		AfterFn:            t.AfterFn != nil,
		RequestHooks:       hooks,
		Skip:               t.Skip,
		Only:               t.Only,
		PageURL:            t.PageURL,
		AuthCredentials:    t.AuthCredentials,
		DisablePageReloads: t.DisablePageReloads,
		DisablePageCaching: t.DisablePageCaching,
		Meta:               t.Meta,
	}
}
