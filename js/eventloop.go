package js

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/dop251/goja"
)

var (
	errLoopClosed = errors.New("the runtime of the test file was released")
	// ErrNeverSettles is returned for a promise that is pending while nothing
	// left could settle it.
	ErrNeverSettles = errors.New("the promise returned by the test code never settles")
)

type result struct {
	v   interface{}
	err error
}

type watcher struct {
	p   *goja.Promise
	res chan<- result
}

// eventLoop owns a goja runtime: everything touching the runtime runs on the
// loop goroutine. Blocking work is done on other goroutines that hand their
// outcome back through callbacks, so promise jobs always drain on the loop,
// nested calls included.
type eventLoop struct {
	rt *goja.Runtime

	queueMu sync.Mutex
	queue   []func()
	pending int
	wakeup  chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	// loop goroutine only
	watchers []watcher
}

func newEventLoop(rt *goja.Runtime) *eventLoop {
	l := &eventLoop{
		rt:     rt,
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	for {
		select {
		case <-l.wakeup:
		case <-l.done:
			l.failWatchers(errLoopClosed)
			return
		}
		for {
			l.queueMu.Lock()
			queue := l.queue
			l.queue = nil
			l.queueMu.Unlock()
			if len(queue) == 0 {
				break
			}
			for _, fn := range queue {
				fn()
			}
		}
		l.settle()
	}
}

// enqueue schedules fn on the loop.
func (l *eventLoop) enqueue(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.queueMu.Lock()
	l.queue = append(l.queue, fn)
	l.queueMu.Unlock()
	l.wake()
	return true
}

func (l *eventLoop) wake() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// registerCallback marks a pending piece of work that will report back to
// the loop exactly once through the returned function. Loop goroutine only.
func (l *eventLoop) registerCallback() func(func()) {
	l.queueMu.Lock()
	l.pending++
	l.queueMu.Unlock()

	var once sync.Once
	return func(fn func()) {
		once.Do(func() {
			l.queueMu.Lock()
			l.queue = append(l.queue, fn)
			l.pending--
			l.queueMu.Unlock()
			l.wake()
		})
	}
}

// promise runs fn on its own goroutine and returns a promise settled with its
// outcome. Loop goroutine only.
func (l *eventLoop) promise(fn func() (interface{}, error)) *goja.Promise {
	p, resolve, reject := l.rt.NewPromise()
	callback := l.registerCallback()
	go func() {
		v, err := fn()
		callback(func() {
			if err != nil {
				_ = reject(l.rt.NewGoError(err))
				return
			}
			_ = resolve(v)
		})
	}()
	return p
}

// call runs fn on the loop and waits for its outcome. When fn returns a
// promise, the outcome is the settled promise.
func (l *eventLoop) call(ctx context.Context, fn func() (goja.Value, error)) (interface{}, error) {
	res := make(chan result, 1)
	ok := l.enqueue(func() {
		v, err := fn()
		if err != nil {
			res <- result{err: toError(err)}
			return
		}
		if p := asPromise(v); p != nil {
			l.watchers = append(l.watchers, watcher{p: p, res: res})
			return
		}
		res <- result{v: exportResult(v)}
	})
	if !ok {
		return nil, errLoopClosed
	}
	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, errLoopClosed
	}
}

// settle reports the watched promises that settled. The pending ones fail
// when nothing is left that could settle them.
func (l *eventLoop) settle() {
	pending := l.watchers[:0]
	for _, w := range l.watchers {
		switch w.p.State() {
		case goja.PromiseStateFulfilled:
			w.res <- result{v: exportResult(w.p.Result())}
		case goja.PromiseStateRejected:
			w.res <- result{err: rejection(w.p.Result())}
		default:
			pending = append(pending, w)
		}
	}
	l.watchers = pending

	l.queueMu.Lock()
	idle := len(l.queue) == 0 && l.pending == 0
	l.queueMu.Unlock()
	if idle {
		l.failWatchers(ErrNeverSettles)
	}
}

func (l *eventLoop) failWatchers(err error) {
	for _, w := range l.watchers {
		w.res <- result{err: err}
	}
	l.watchers = nil
}

func (l *eventLoop) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

var promiseType = reflect.TypeOf((*goja.Promise)(nil))

func asPromise(v goja.Value) *goja.Promise {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ExportType() != promiseType {
		return nil
	}
	p, _ := obj.Export().(*goja.Promise)
	return p
}
