package structure

// GetTests returns the collected tests with the properties they borrow from
// their fixture resolved and with the test file back-references cut.
//
// skip, only, pageUrl and authCredentials fall back to the fixture value when
// the test doesn't set them. disablePageReloads is inherited only when the
// test left it unset, while disablePageCaching is inherited whenever the test
// value is false.
func (tf *TestFile) GetTests() []*Test {
	for _, t := range tf.CollectedTests {
		f := t.Fixture

		t.Skip = t.Skip || f.Skip
		t.Only = t.Only || f.Only
		if t.PageURL == "" {
			t.PageURL = f.PageURL
		}
		if t.AuthCredentials == nil {
			t.AuthCredentials = f.AuthCredentials
		}

		if !t.DisablePageReloads.Valid {
			t.DisablePageReloads = f.DisablePageReloads
		}
		if !t.DisablePageCaching {
			t.DisablePageCaching = f.DisablePageCaching
		}
	}

	tf.filterRecursiveProps()

	return tf.CollectedTests
}

// filterRecursiveProps replaces the test file of every test and fixture with
// a stub that only keeps the filename.
func (tf *TestFile) filterRecursiveProps() {
	for _, t := range tf.CollectedTests {
		stub := &TestFile{Filename: t.TestFile.Filename}
		t.TestFile = stub
		t.Fixture.TestFile = stub
	}
}
