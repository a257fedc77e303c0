// Package js compiles test files written in JavaScript. A test file declares
// fixtures and tests through the fixture and test globals; the functions it
// declares run on a goja runtime owned by the file.
package js

import (
	"context"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/api/structure"
)

// Compiler compiles JavaScript test files.
type Compiler struct {
	logger logrus.FieldLogger

	mu     sync.Mutex
	scopes []*fileScope
}

// New returns a compiler.
func New(logger logrus.FieldLogger) *Compiler {
	return &Compiler{logger: logger.WithField("component", "js")}
}

// Compile runs the test file and returns what it declares.
func (c *Compiler) Compile(ctx context.Context, filename string, src []byte) (*structure.TestFile, error) {
	prg, err := goja.Compile(filename, string(src), false)
	if err != nil {
		return nil, err
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	s := &fileScope{
		filename:   filename,
		tf:         structure.NewTestFile(filename),
		rt:         rt,
		loop:       newEventLoop(rt),
		logger:     c.logger.WithField("filename", filename),
		fixtureCtx: make(map[string]*goja.Object),
		testCtx:    make(map[string]*goja.Object),
	}
	_, err = s.loop.call(ctx, func() (goja.Value, error) {
		if err := s.install(); err != nil {
			return nil, err
		}
		return rt.RunProgram(prg)
	})
	if err != nil {
		s.loop.close()
		return nil, err
	}

	c.mu.Lock()
	c.scopes = append(c.scopes, s)
	c.mu.Unlock()
	return s.tf, nil
}

// CleanUp releases the runtimes of the compiled files. Their functions fail
// from then on.
func (c *Compiler) CleanUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scopes {
		s.loop.close()
	}
	c.scopes = nil
}

// fileScope is the runtime state of one test file.
type fileScope struct {
	filename string
	tf       *structure.TestFile
	rt       *goja.Runtime
	loop     *eventLoop
	logger   logrus.FieldLogger

	// loop goroutine only
	fixtureCtx map[string]*goja.Object
	testCtx    map[string]*goja.Object
	anonymous  *structure.Role
}

func (s *fileScope) install() error {
	globals := map[string]interface{}{
		"fixture":     s.fixtureGlobal(),
		"test":        s.testGlobal(),
		"Role":        s.roleGlobal(),
		"RequestHook": s.requestHookGlobal,
		"console":     newConsole(s.logger, s.filename).object(s.rt),
	}
	for name, v := range globals {
		if err := s.rt.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// wrap turns a JavaScript function into test code. Test-run functions get
// the test controller, fixture-level functions the fixture context.
func (s *fileScope) wrap(fn goja.Callable, f *structure.Fixture) structure.Func {
	return func(ctx context.Context, c structure.Controller) (interface{}, error) {
		return s.loop.call(ctx, func() (goja.Value, error) {
			var arg goja.Value
			if c == nil {
				arg = s.fixtureContext(f)
			} else {
				arg = s.controller(ctx, c, f)
			}
			return fn(goja.Undefined(), arg)
		})
	}
}

func (s *fileScope) fixtureContext(f *structure.Fixture) goja.Value {
	if f == nil {
		return goja.Undefined()
	}
	obj, ok := s.fixtureCtx[f.ID]
	if !ok {
		obj = s.rt.NewObject()
		s.fixtureCtx[f.ID] = obj
	}
	return obj
}

func throw(rt *goja.Runtime, err error) {
	if e, ok := err.(*goja.Exception); ok { //nolint:errorlint
		panic(e)
	}
	panic(rt.NewGoError(err))
}

func must(rt *goja.Runtime, err error) {
	if err != nil {
		throw(rt, err)
	}
}

func function(rt *goja.Runtime, v goja.Value, what string) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(rt.NewTypeError("%s is expected to be a function, but it was %s", what, valueString(v)))
	}
	return fn
}
