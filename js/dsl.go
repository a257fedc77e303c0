package js

import (
	"context"
	"strings"

	"github.com/dop251/goja"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6bridge/api/requesthook"
	"github.com/liuxd6825/k6bridge/api/role"
	"github.com/liuxd6825/k6bridge/api/structure"
)

// fixtureGlobal is fixture`name` or fixture("name"), with fixture.skip and
// fixture.only.
func (s *fileScope) fixtureGlobal() *goja.Object {
	declare := func(skip, only bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			f := s.tf.AddFixture(s.name(call, "fixture name"))
			f.Skip, f.Only = skip, only
			return s.fixtureObject(f)
		}
	}
	obj := s.rt.ToValue(declare(false, false)).(*goja.Object)
	must(s.rt, obj.Set("skip", declare(true, false)))
	must(s.rt, obj.Set("only", declare(false, true)))
	return obj
}

// testGlobal is test(name, fn), with test.skip and test.only.
func (s *fileScope) testGlobal() *goja.Object {
	declare := func(skip, only bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			name := s.name(call, "test name")
			fn := function(s.rt, call.Argument(1), "test body")
			t, err := s.tf.AddTest(name, nil)
			if err != nil {
				throw(s.rt, err)
			}
			t.Fn = s.wrap(fn, t.Fixture)
			t.Skip, t.Only = skip, only
			return s.testObject(t)
		}
	}
	obj := s.rt.ToValue(declare(false, false)).(*goja.Object)
	must(s.rt, obj.Set("skip", declare(true, false)))
	must(s.rt, obj.Set("only", declare(false, true)))
	return obj
}

// name reads a name passed either as a string or as a template literal.
func (s *fileScope) name(call goja.FunctionCall, what string) string {
	first := call.Argument(0)
	obj, isObj := first.(*goja.Object)
	if !isObj || obj.ClassName() != "Array" {
		if goja.IsUndefined(first) || goja.IsNull(first) {
			panic(s.rt.NewTypeError("%s is expected to be a string", what))
		}
		return first.String()
	}

	var strs []string
	if err := s.rt.ExportTo(obj, &strs); err != nil {
		throw(s.rt, err)
	}
	var b strings.Builder
	for i, str := range strs {
		b.WriteString(str)
		if i+1 < len(strs) {
			b.WriteString(valueString(call.Argument(i + 1)))
		}
	}
	return strings.TrimSpace(b.String())
}

// settings are what fixtures and tests both configure.
type settings struct {
	pageURL            *string
	authCredentials    **structure.AuthCredentials
	skip, only         *bool
	disablePageReloads *null.Bool
	disablePageCaching *bool
	meta               *map[string]string
	requestHooks       *[]*structure.RequestHook
}

// bindSettings adds the chainable setters of st to obj.
func (s *fileScope) bindSettings(obj *goja.Object, st settings) {
	rt := s.rt
	set := func(name string, fn func(goja.FunctionCall)) {
		must(rt, obj.Set(name, func(call goja.FunctionCall) goja.Value {
			fn(call)
			return obj
		}))
	}
	flag := func(name string, fn func()) {
		getter := rt.ToValue(func(goja.FunctionCall) goja.Value {
			fn()
			return obj
		})
		must(rt, obj.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE))
	}

	set("page", func(call goja.FunctionCall) {
		*st.pageURL = call.Argument(0).String()
	})
	set("httpAuth", func(call goja.FunctionCall) {
		creds := &structure.AuthCredentials{}
		if err := rt.ExportTo(call.Argument(0), creds); err != nil {
			throw(rt, err)
		}
		*st.authCredentials = creds
	})
	set("meta", func(call goja.FunctionCall) {
		if *st.meta == nil {
			*st.meta = make(map[string]string)
		}
		if obj, ok := call.Argument(0).(*goja.Object); ok {
			for _, k := range obj.Keys() {
				(*st.meta)[k] = obj.Get(k).String()
			}
			return
		}
		(*st.meta)[call.Argument(0).String()] = call.Argument(1).String()
	})
	set("requestHooks", func(call goja.FunctionCall) {
		*st.requestHooks = append(*st.requestHooks, s.hooks(call.Arguments)...)
	})
	flag("skip", func() { *st.skip = true })
	flag("only", func() { *st.only = true })
	flag("disablePageReloads", func() { *st.disablePageReloads = null.BoolFrom(true) })
	flag("enablePageReloads", func() { *st.disablePageReloads = null.BoolFrom(false) })
	flag("disablePageCaching", func() { *st.disablePageCaching = true })
}

func (s *fileScope) fixtureObject(f *structure.Fixture) *goja.Object {
	obj := s.rt.NewObject()
	s.bindSettings(obj, settings{
		pageURL:            &f.PageURL,
		authCredentials:    &f.AuthCredentials,
		skip:               &f.Skip,
		only:               &f.Only,
		disablePageReloads: &f.DisablePageReloads,
		disablePageCaching: &f.DisablePageCaching,
		meta:               &f.Meta,
		requestHooks:       &f.RequestHooks,
	})
	for name, slot := range map[string]*structure.Func{
		"before":     &f.BeforeFn,
		"after":      &f.AfterFn,
		"beforeEach": &f.BeforeEachFn,
		"afterEach":  &f.AfterEachFn,
	} {
		name, slot := name, slot
		must(s.rt, obj.Set(name, func(call goja.FunctionCall) goja.Value {
			*slot = s.wrap(function(s.rt, call.Argument(0), "fixture."+name+" hook"), f)
			return obj
		}))
	}
	return obj
}

func (s *fileScope) testObject(t *structure.Test) *goja.Object {
	obj := s.rt.NewObject()
	s.bindSettings(obj, settings{
		pageURL:            &t.PageURL,
		authCredentials:    &t.AuthCredentials,
		skip:               &t.Skip,
		only:               &t.Only,
		disablePageReloads: &t.DisablePageReloads,
		disablePageCaching: &t.DisablePageCaching,
		meta:               &t.Meta,
		requestHooks:       &t.RequestHooks,
	})
	for name, slot := range map[string]*structure.Func{
		"before": &t.BeforeFn,
		"after":  &t.AfterFn,
	} {
		name, slot := name, slot
		must(s.rt, obj.Set(name, func(call goja.FunctionCall) goja.Value {
			*slot = s.wrap(function(s.rt, call.Argument(0), "test."+name+" hook"), t.Fixture)
			return obj
		}))
	}
	return obj
}

// roleGlobal is Role(loginPage, initFn, options) and Role.anonymous().
func (s *fileScope) roleGlobal() *goja.Object {
	rt := s.rt
	obj := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		var opts role.Options
		if o := call.Argument(2); !goja.IsUndefined(o) && !goja.IsNull(o) {
			if err := rt.ExportTo(o, &opts); err != nil {
				throw(rt, err)
			}
		}
		var initFn structure.Func
		if fn := call.Argument(1); !goja.IsUndefined(fn) {
			initFn = s.wrap(function(rt, fn, "role initializer"), nil)
		}
		return rt.ToValue(structure.NewRole(call.Argument(0).String(), initFn, opts))
	}).(*goja.Object)
	must(rt, obj.Set("anonymous", func(goja.FunctionCall) goja.Value {
		if s.anonymous == nil {
			s.anonymous = structure.NewRole("", nil, role.Options{})
		}
		return rt.ToValue(s.anonymous)
	}))
	return obj
}

func (s *fileScope) role(v goja.Value) *structure.Role {
	r, ok := v.Export().(*structure.Role)
	if !ok {
		panic(s.rt.NewTypeError("a role is expected, but it was %s", valueString(v)))
	}
	return r
}

// requestHookGlobal is RequestHook(rules, { onRequest, onResponse }).
func (s *fileScope) requestHookGlobal(call goja.FunctionCall) goja.Value {
	rt := s.rt
	var rules []string
	switch r := call.Argument(0).Export().(type) {
	case nil:
	case string:
		rules = []string{r}
	default:
		if err := rt.ExportTo(call.Argument(0), &rules); err != nil {
			throw(rt, err)
		}
	}
	h := structure.NewRequestHook(rules...)

	if handlers, ok := call.Argument(1).(*goja.Object); ok {
		if v := handlers.Get("onRequest"); v != nil && !goja.IsUndefined(v) {
			fn := function(rt, v, "onRequest")
			h.OnRequest = func(ctx context.Context, e *requesthook.RequestEvent) error {
				return s.dispatchHookEvent(ctx, fn, map[string]interface{}{
					"testRunId": e.TestRunID,
					"url":       e.URL,
					"method":    e.Method,
					"headers":   e.Headers,
				})
			}
		}
		if v := handlers.Get("onResponse"); v != nil && !goja.IsUndefined(v) {
			fn := function(rt, v, "onResponse")
			h.OnResponse = func(ctx context.Context, e *requesthook.ResponseEvent) error {
				return s.dispatchHookEvent(ctx, fn, map[string]interface{}{
					"testRunId":  e.TestRunID,
					"url":        e.URL,
					"statusCode": e.StatusCode,
					"headers":    e.Headers,
				})
			}
		}
	}
	return rt.ToValue(h)
}

func (s *fileScope) dispatchHookEvent(ctx context.Context, fn goja.Callable, e map[string]interface{}) error {
	_, err := s.loop.call(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), s.rt.ToValue(e))
	})
	return err
}

func (s *fileScope) hooks(args []goja.Value) []*structure.RequestHook {
	hooks := make([]*structure.RequestHook, 0, len(args))
	for _, v := range args {
		if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Array" {
			items := make([]goja.Value, 0, len(obj.Keys()))
			for _, k := range obj.Keys() {
				items = append(items, obj.Get(k))
			}
			hooks = append(hooks, s.hooks(items)...)
			continue
		}
		h, ok := v.Export().(*structure.RequestHook)
		if !ok {
			panic(s.rt.NewTypeError("a request hook is expected, but it was %s", valueString(v)))
		}
		hooks = append(hooks, h)
	}
	return hooks
}
