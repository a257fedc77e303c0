package command

import (
	"fmt"
	"reflect"
	"strings"
)

// ActualFunc produces the value under assertion.
type ActualFunc func() (interface{}, error)

// Assertion describes an assertion command. It never leaves the process the
// test code runs in.
type Assertion struct {
	Operator string
	Expected interface{}
	Message  string

	// Actual is called once, or once per attempt when ReExecutable is set.
	Actual       ActualFunc
	ReExecutable bool

	// Callsite is where the test code made the assertion.
	Callsite string
}

// NewAssertion returns an assertion command.
func NewAssertion(a *Assertion) *Command {
	return &Command{Type: TypeAssertion, Assertion: a}
}

// Check evaluates the assertion against actual.
func (a *Assertion) Check(actual interface{}) error {
	var ok bool
	switch a.Operator {
	case "eql":
		ok = equal(actual, a.Expected)
	case "notEql":
		ok = !equal(actual, a.Expected)
	case "ok":
		ok = truthy(actual)
	case "notOk":
		ok = !truthy(actual)
	case "contains":
		ok = contains(actual, a.Expected)
	case "notContains":
		ok = !contains(actual, a.Expected)
	default:
		return fmt.Errorf("unknown assertion operator %q", a.Operator)
	}
	if ok {
		return nil
	}
	return &AssertionError{Operator: a.Operator, Actual: actual, Expected: a.Expected, Message: a.Message}
}

// AssertionError is returned by a failed assertion.
type AssertionError struct {
	Operator string
	Actual   interface{}
	Expected interface{}
	Message  string
	Callsite string
}

func (e *AssertionError) Error() string {
	msg := fmt.Sprintf("AssertionError: expected %#v to %s %#v", e.Actual, e.Operator, e.Expected)
	if e.Message != "" {
		msg = e.Message + ": " + msg
	}
	if e.Callsite != "" {
		msg += " at " + e.Callsite
	}
	return msg
}

func equal(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// numbers exported from test code may come as int64 or float64
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return rv.Len() > 0
	case reflect.Bool:
		return rv.Bool()
	default:
		return !rv.IsZero()
	}
}

func contains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}
