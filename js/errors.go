package js

import (
	"encoding/json"
	"errors"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6bridge/errext"
)

// ScriptError is an error thrown by test code.
type ScriptError struct {
	Message string
	Stack   string
}

var _ errext.Exception = &ScriptError{}

func (e *ScriptError) Error() string {
	return e.Message
}

// StackTrace returns the JavaScript stack of the error.
func (e *ScriptError) StackTrace() string {
	if e.Stack == "" {
		return e.Message
	}
	return e.Stack
}

// toError converts an error returned by the runtime. Go errors thrown
// through the runtime come back unchanged.
func toError(err error) error {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	if goErr := ex.Unwrap(); goErr != nil {
		return goErr
	}
	return &ScriptError{Message: ex.Value().String(), Stack: ex.String()}
}

// rejection converts the reason of a rejected promise.
func rejection(reason goja.Value) error {
	obj, ok := reason.(*goja.Object)
	if !ok {
		return &ScriptError{Message: valueString(reason)}
	}
	if v := obj.Get("value"); v != nil {
		if goErr, ok := v.Export().(error); ok {
			return goErr
		}
	}
	e := &ScriptError{Message: obj.String()}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.Stack = stack.String()
	}
	return e
}

// exportResult exports what test code returns. Values that can't travel to
// the host are dropped.
func exportResult(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	x := v.Export()
	if _, err := json.Marshal(x); err != nil {
		return nil
	}
	return x
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}
