package structure

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

func noop(context.Context, Controller) (interface{}, error) { return nil, nil }

func newFile(t *testing.T) (*TestFile, *Fixture, *Test) {
	t.Helper()

	tf := NewTestFile("a.test.js")
	f := tf.AddFixture("fixture")
	test, err := tf.AddTest("test", noop)
	require.NoError(t, err)
	return tf, f, test
}

func TestAddTestWithoutFixture(t *testing.T) {
	t.Parallel()

	_, err := NewTestFile("a.test.js").AddTest("orphan", noop)
	assert.ErrorIs(t, err, ErrNoFixture)
}

func TestGetTestsBorrowedProperties(t *testing.T) {
	t.Parallel()

	t.Run("test value wins", func(t *testing.T) {
		t.Parallel()

		tf, f, test := newFile(t)
		f.PageURL = "https://fixture.example.com"
		test.PageURL = "https://test.example.com"
		f.AuthCredentials = &AuthCredentials{Username: "fixture"}
		test.AuthCredentials = &AuthCredentials{Username: "test"}

		tests := tf.GetTests()
		require.Len(t, tests, 1)
		assert.Equal(t, "https://test.example.com", tests[0].PageURL)
		assert.Equal(t, "test", tests[0].AuthCredentials.Username)
	})

	t.Run("fixture value is a fallback", func(t *testing.T) {
		t.Parallel()

		tf, f, _ := newFile(t)
		f.PageURL = "https://fixture.example.com"
		f.Skip = true
		f.Only = true
		f.AuthCredentials = &AuthCredentials{Username: "fixture"}

		test := tf.GetTests()[0]
		assert.Equal(t, "https://fixture.example.com", test.PageURL)
		assert.True(t, test.Skip)
		assert.True(t, test.Only)
		assert.Equal(t, "fixture", test.AuthCredentials.Username)
	})
}

// disablePageReloads and disablePageCaching are inherited under different
// rules on purpose: reloads only when unset, caching whenever false.
func TestGetTestsPageFlagsAsymmetry(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		testReloads    null.Bool
		fixtureReloads null.Bool
		expReloads     null.Bool
		testCaching    bool
		fixtureCaching bool
		expCaching     bool
	}{
		{
			name:           "explicit false is kept",
			testReloads:    null.BoolFrom(false),
			fixtureReloads: null.BoolFrom(true),
			expReloads:     null.BoolFrom(false),
		},
		{
			name:           "unset is inherited",
			fixtureReloads: null.BoolFrom(true),
			expReloads:     null.BoolFrom(true),
		},
		{
			name:       "unset stays unset",
			expReloads: null.Bool{},
		},
		{
			name:           "falsy caching is inherited",
			testCaching:    false,
			fixtureCaching: true,
			expCaching:     true,
		},
		{
			name:           "truthy caching is kept",
			testCaching:    true,
			fixtureCaching: false,
			expCaching:     true,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tf, f, test := newFile(t)
			test.DisablePageReloads = tc.testReloads
			f.DisablePageReloads = tc.fixtureReloads
			test.DisablePageCaching = tc.testCaching
			f.DisablePageCaching = tc.fixtureCaching

			got := tf.GetTests()[0]
			assert.Equal(t, tc.expReloads, got.DisablePageReloads)
			assert.Equal(t, tc.expCaching, got.DisablePageCaching)
		})
	}
}

func TestGetTestsCutsCycles(t *testing.T) {
	t.Parallel()

	tf, f, _ := newFile(t)
	_, err := tf.AddTest("second", noop)
	require.NoError(t, err)
	other := tf.AddFixture("other")
	_, err = tf.AddTest("third", noop)
	require.NoError(t, err)

	tests := tf.GetTests()
	require.Len(t, tests, 3)
	stub := &TestFile{Filename: "a.test.js"}
	for _, test := range tests {
		assert.Equal(t, stub, test.TestFile)
		assert.Equal(t, stub, test.Fixture.TestFile)
	}
	assert.Equal(t, stub, f.TestFile)
	assert.Equal(t, stub, other.TestFile)

	// the descriptors must be encodable now that the cycles are gone
	for _, test := range tests {
		_, err := json.Marshal(test.Descriptor())
		require.NoError(t, err)
	}
}

func TestDescriptorFunctionSlots(t *testing.T) {
	t.Parallel()

	tf, f, test := newFile(t)
	f.BeforeEachFn = noop
	test.AfterFn = noop

	d := tf.GetTests()[0].Descriptor()
	assert.True(t, d.Fn)
	assert.False(t, d.BeforeFn)
	assert.True(t, d.AfterFn)
	assert.True(t, d.Fixture.BeforeEachFn)
	assert.False(t, d.Fixture.AfterEachFn)
	assert.Equal(t, TestFileStub{Filename: "a.test.js"}, d.TestFile)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "beforeFn", "absent slots must not be encoded")
	assert.Contains(t, raw, "afterFn")
}

func TestAddTestInheritsFixtureHooks(t *testing.T) {
	t.Parallel()

	tf := NewTestFile("a.test.js")
	f := tf.AddFixture("fixture")
	hook := NewRequestHook("https://example.com/**")
	f.RequestHooks = append(f.RequestHooks, hook)

	test, err := tf.AddTest("test", noop)
	require.NoError(t, err)
	require.Len(t, test.RequestHooks, 1)
	assert.Equal(t, hook.Descriptor(), test.Descriptor().RequestHooks[0])
}
