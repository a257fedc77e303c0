package errext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/liuxd6825/k6bridge/errext/exitcodes"
)

const errorSeparator = "\n\n"

// TestCompilationError is returned when a test file can't be prepared for
// execution. It keeps the original error for errors.Is/As.
type TestCompilationError struct {
	Filename string
	Err      error
}

var (
	_ HasExitCode = &TestCompilationError{}
	_ HasHint     = &TestCompilationError{}
)

func (e *TestCompilationError) Error() string {
	return fmt.Sprintf("cannot prepare tests due to an error in %q: %s", e.Filename, e.Err)
}

// Unwrap returns the original compilation failure.
func (e *TestCompilationError) Unwrap() error {
	return e.Err
}

// StackTrace returns the stack of the underlying exception, when there is one.
func (e *TestCompilationError) StackTrace() string {
	var xerr Exception
	if errors.As(e.Err, &xerr) {
		return "cannot prepare tests due to an error in " + e.Filename + ":\n" + xerr.StackTrace()
	}
	return e.Error()
}

// ExitCode implements HasExitCode.
func (e *TestCompilationError) ExitCode() exitcodes.ExitCode {
	return exitcodes.TestCompilationFailed
}

// Hint implements HasHint.
func (e *TestCompilationError) Hint() string {
	return "make sure the file declares a fixture before its tests"
}

// CompositeError joins several errors into one, keeping each of them
// reachable through errors.Is/As.
type CompositeError struct {
	Errors []error
}

func (e *CompositeError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, errorSeparator)
}

// Unwrap returns all the joined errors.
func (e *CompositeError) Unwrap() []error {
	return e.Errors
}

// Join returns nil for no errors, the error itself for a single one and a
// *CompositeError otherwise.
func Join(errs ...error) error {
	nonNil := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &CompositeError{Errors: nonNil}
	}
}
