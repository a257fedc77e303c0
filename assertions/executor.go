// Package assertions runs assertion commands, retrying re-executable ones
// until they pass or their timeout elapses.
package assertions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liuxd6825/k6bridge/command"
)

// RetryDelay is the pause between two attempts of a re-executable assertion.
const RetryDelay = 200 * time.Millisecond

// Executor evaluates one assertion command.
//
// It exposes three one-shot notifications. OnRetriesStart fires before the
// first retry with the time left, OnRetriesEnd fires once the retries settle,
// and OnDelay takes over the first pause between attempts: when a delay
// listener is registered it is called instead of waiting locally.
type Executor struct {
	cmd      *command.Command
	timeout  time.Duration
	callsite string
	now      func() time.Time
	wait     func(context.Context, time.Duration) error

	mu             sync.Mutex
	onDelay        func(time.Duration)
	onRetriesStart func(time.Duration)
	onRetriesEnd   func(bool)
	startedAt      time.Time
	retryDelay     time.Duration
}

// NewExecutor returns an executor for cmd, which must be an assertion command.
func NewExecutor(cmd *command.Command, timeout time.Duration, callsite string) *Executor {
	return &Executor{
		cmd:        cmd,
		timeout:    timeout,
		callsite:   callsite,
		now:        time.Now,
		wait:       sleep,
		retryDelay: RetryDelay,
	}
}

// OnDelay registers the listener for the next pause between attempts.
func (e *Executor) OnDelay(fn func(time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDelay = fn
}

// OnRetriesStart registers the listener called when retrying starts.
func (e *Executor) OnRetriesStart(fn func(timeLeft time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRetriesStart = fn
}

// OnRetriesEnd registers the listener called when retrying ends.
func (e *Executor) OnRetriesEnd(fn func(success bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRetriesEnd = fn
}

// Run evaluates the assertion and returns the last actual value.
func (e *Executor) Run(ctx context.Context) (interface{}, error) {
	a := e.cmd.Assertion
	if a == nil {
		return nil, errors.New("not an assertion command")
	}
	e.startedAt = e.now()

	actual, err := a.Actual()
	if err != nil {
		return nil, err
	}
	checkErr := a.Check(actual)
	if checkErr == nil || !a.ReExecutable {
		return actual, e.withCallsite(checkErr)
	}

	if fn := e.take(&e.onRetriesStart); fn != nil {
		fn(e.timeLeft())
	}
	for {
		if e.timeLeft() <= 0 {
			e.end(false)
			return actual, e.withCallsite(checkErr)
		}
		if err := e.delay(ctx); err != nil {
			e.end(false)
			return actual, err
		}
		if actual, err = a.Actual(); err != nil {
			e.end(false)
			return nil, err
		}
		if checkErr = a.Check(actual); checkErr == nil {
			e.end(true)
			return actual, nil
		}
	}
}

func (e *Executor) delay(ctx context.Context) error {
	if fn := e.take(&e.onDelay); fn != nil {
		fn(e.retryDelay)
		return ctx.Err()
	}
	return e.wait(ctx, e.retryDelay)
}

func (e *Executor) end(success bool) {
	e.mu.Lock()
	fn := e.onRetriesEnd
	e.onRetriesEnd = nil
	e.mu.Unlock()
	if fn != nil {
		fn(success)
	}
}

// take returns the listener stored in slot and clears it.
func (e *Executor) take(slot *func(time.Duration)) func(time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn := *slot
	*slot = nil
	return fn
}

func (e *Executor) timeLeft() time.Duration {
	return e.timeout - e.now().Sub(e.startedAt)
}

func (e *Executor) withCallsite(err error) error {
	var aerr *command.AssertionError
	if e.callsite != "" && errors.As(err, &aerr) && aerr.Callsite == "" {
		aerr.Callsite = e.callsite
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
