package js

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/api/structure"
	"github.com/liuxd6825/k6bridge/command"
	"github.com/liuxd6825/k6bridge/lib/types"
)

// step is one action of a chain. done is closed when the action finished.
type step struct {
	done chan struct{}
	err  error
}

// chain runs the actions of a test controller one after the other. Each
// action returns a promise carrying the actions that follow it, so that
// t.click(a).typeText(b, "text") runs in order and stops at the first
// failure.
type chain struct {
	s    *fileScope
	ctx  context.Context
	c    structure.Controller
	prev *step
}

func (s *fileScope) controller(ctx context.Context, c structure.Controller, f *structure.Fixture) *goja.Object {
	rt := s.rt
	obj := rt.NewObject()
	(&chain{s: s, ctx: ctx, c: c}).bind(obj)

	getCtx := rt.ToValue(func(goja.FunctionCall) goja.Value {
		return s.testContext(c.ID())
	})
	setCtx := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		if v, ok := call.Argument(0).(*goja.Object); ok {
			s.testCtx[c.ID()] = v
		}
		return goja.Undefined()
	})
	must(rt, obj.DefineAccessorProperty("ctx", getCtx, setCtx, goja.FLAG_FALSE, goja.FLAG_TRUE))
	must(rt, obj.Set("fixtureCtx", s.fixtureContext(f)))
	must(rt, obj.Set("testRun", c.ID()))
	return obj
}

func (s *fileScope) testContext(id string) *goja.Object {
	obj, ok := s.testCtx[id]
	if !ok {
		obj = s.rt.NewObject()
		s.testCtx[id] = obj
	}
	return obj
}

func (ch *chain) bind(obj *goja.Object) {
	rt := ch.s.rt
	actions := map[string]func(goja.FunctionCall) goja.Value{
		"click": func(call goja.FunctionCall) goja.Value {
			return ch.command(&command.Command{Type: command.TypeClick, Selector: call.Argument(0).String()})
		},
		"typeText": func(call goja.FunctionCall) goja.Value {
			return ch.command(&command.Command{
				Type:     command.TypeTypeText,
				Selector: call.Argument(0).String(),
				Text:     call.Argument(1).String(),
			})
		},
		"navigateTo": func(call goja.FunctionCall) goja.Value {
			return ch.command(&command.Command{Type: command.TypeNavigateTo, URL: call.Argument(0).String()})
		},
		"wait": func(call goja.FunctionCall) goja.Value {
			return ch.command(command.NewWait(ch.s.duration("the wait time", call.Argument(0))))
		},
		"useRole": func(call goja.FunctionCall) goja.Value {
			r := ch.s.role(call.Argument(0))
			return ch.then(func() (interface{}, error) {
				return nil, ch.c.UseRole(ch.ctx, r)
			})
		},
		"addRequestHooks": func(call goja.FunctionCall) goja.Value {
			hooks := ch.s.hooks(call.Arguments)
			return ch.then(func() (interface{}, error) {
				return nil, ch.c.AddRequestHooks(ch.ctx, hooks...)
			})
		},
		"removeRequestHooks": func(call goja.FunctionCall) goja.Value {
			hooks := ch.s.hooks(call.Arguments)
			return ch.then(func() (interface{}, error) {
				return nil, ch.c.RemoveRequestHooks(ch.ctx, hooks...)
			})
		},
		"debug": func(goja.FunctionCall) goja.Value {
			return ch.then(func() (interface{}, error) {
				ch.c.Debug()
				return nil, nil
			})
		},
		"expect": func(call goja.FunctionCall) goja.Value {
			return ch.expect(call.Argument(0))
		},
	}
	for name, fn := range actions {
		must(rt, obj.Set(name, fn))
	}
}

func (ch *chain) command(cmd *command.Command) goja.Value {
	return ch.then(func() (interface{}, error) {
		res, err := ch.c.ExecuteCommand(ch.ctx, cmd)
		if err != nil || len(res) == 0 {
			return nil, err
		}
		var v interface{}
		if err := json.Unmarshal(res, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// then queues fn after the previous action of the chain and returns the
// promise of its outcome, extended with the next actions.
func (ch *chain) then(fn func() (interface{}, error)) goja.Value {
	prev, next := ch.prev, &step{done: make(chan struct{})}
	p := ch.s.loop.promise(func() (interface{}, error) {
		defer close(next.done)
		if prev != nil {
			select {
			case <-prev.done:
			case <-ch.ctx.Done():
				next.err = ch.ctx.Err()
				return nil, next.err
			}
			if prev.err != nil {
				next.err = prev.err
				return nil, next.err
			}
		}
		v, err := fn()
		next.err = err
		return v, err
	})

	obj := ch.s.rt.ToValue(p).(*goja.Object)
	(&chain{s: ch.s, ctx: ch.ctx, c: ch.c, prev: next}).bind(obj)
	return obj
}

// expect returns the assertion builder for actual. A function is evaluated
// again on every attempt; a promise is awaited once.
func (ch *chain) expect(actual goja.Value) goja.Value {
	rt := ch.s.rt
	a := &command.Assertion{Callsite: ch.s.callsite()}

	if fn, ok := goja.AssertFunction(actual); ok {
		a.ReExecutable = true
		a.Actual = func() (interface{}, error) {
			return ch.s.loop.call(ch.ctx, func() (goja.Value, error) {
				return fn(goja.Undefined())
			})
		}
	} else if asPromise(actual) != nil {
		a.Actual = func() (interface{}, error) {
			return ch.s.loop.call(ch.ctx, func() (goja.Value, error) {
				return actual, nil
			})
		}
	} else {
		var v interface{}
		if !goja.IsUndefined(actual) && !goja.IsNull(actual) {
			v = actual.Export()
		}
		a.Actual = func() (interface{}, error) { return v, nil }
	}

	obj := rt.NewObject()
	operator := func(name string, withExpected bool) {
		must(rt, obj.Set(name, func(call goja.FunctionCall) goja.Value {
			args := call.Arguments
			op := *a
			op.Operator = name
			if withExpected {
				op.Expected = call.Argument(0).Export()
				args = args[min(1, len(args)):]
			}
			cmd := command.NewAssertion(&op)
			ch.assertionOptions(cmd, &op, args)
			return ch.then(func() (interface{}, error) {
				return ch.c.ExecuteCommandSync(cmd)
			})
		}))
	}
	operator("eql", true)
	operator("notEql", true)
	operator("ok", false)
	operator("notOk", false)
	operator("contains", true)
	operator("notContains", true)
	return obj
}

// assertionOptions reads the optional message and options arguments of an
// assertion.
func (ch *chain) assertionOptions(cmd *command.Command, a *command.Assertion, args []goja.Value) {
	for _, arg := range args {
		switch v := arg.(type) {
		case *goja.Object:
			if t := v.Get("timeout"); t != nil && !goja.IsUndefined(t) {
				cmd.Timeout = null.IntFrom(ch.s.duration("timeout", t).Milliseconds())
			}
		default:
			if !goja.IsUndefined(arg) && !goja.IsNull(arg) {
				a.Message = arg.String()
			}
		}
	}
}

// duration converts a number of milliseconds or a duration string.
func (s *fileScope) duration(what string, v goja.Value) time.Duration {
	d, err := types.GetDurationValue(v.Export())
	if err != nil {
		panic(s.rt.NewTypeError("%s is expected to be a duration: %s", what, err))
	}
	return d
}

// callsite returns the position in the test file the running native call
// was made from.
func (s *fileScope) callsite() string {
	for _, frame := range s.rt.CaptureCallStack(0, nil) {
		if frame.SrcName() != s.filename {
			continue
		}
		pos := frame.Position()
		return fmt.Sprintf("%s:%d:%d", pos.Filename, pos.Line, pos.Column)
	}
	return ""
}
