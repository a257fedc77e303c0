package assertions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6bridge/command"
)

func counter(values ...interface{}) command.ActualFunc {
	i := 0
	return func() (interface{}, error) {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v, nil
	}
}

func newTestExecutor(a *command.Assertion, timeout time.Duration) *Executor {
	e := NewExecutor(command.NewAssertion(a), timeout, "a.test.js:3:5")
	e.retryDelay = time.Millisecond
	return e
}

func TestExecutorSingleAttempt(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(&command.Assertion{
		Operator: "eql", Expected: int64(2), Actual: counter(int64(1)),
	}, time.Second)
	var started bool
	e.OnRetriesStart(func(time.Duration) { started = true })

	_, err := e.Run(context.Background())
	var aerr *command.AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "a.test.js:3:5", aerr.Callsite)
	assert.False(t, started, "a plain value must not be retried")
}

func TestExecutorRetries(t *testing.T) {
	t.Parallel()

	t.Run("passes", func(t *testing.T) {
		t.Parallel()

		e := newTestExecutor(&command.Assertion{
			Operator: "eql", Expected: "done", ReExecutable: true,
			Actual: counter("pending", "pending", "pending", "done"),
		}, time.Minute)

		var (
			started  []time.Duration
			delays   []time.Duration
			outcomes []bool
		)
		e.OnRetriesStart(func(left time.Duration) { started = append(started, left) })
		e.OnDelay(func(d time.Duration) { delays = append(delays, d) })
		e.OnRetriesEnd(func(ok bool) { outcomes = append(outcomes, ok) })

		actual, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "done", actual)
		require.Len(t, started, 1)
		assert.LessOrEqual(t, started[0], time.Minute)
		assert.Equal(t, []time.Duration{time.Millisecond}, delays, "delay listener is one-shot")
		assert.Equal(t, []bool{true}, outcomes)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		e := newTestExecutor(&command.Assertion{
			Operator: "ok", ReExecutable: true, Actual: counter(false),
		}, 20*time.Millisecond)

		var outcomes []bool
		e.OnRetriesEnd(func(ok bool) { outcomes = append(outcomes, ok) })

		_, err := e.Run(context.Background())
		var aerr *command.AssertionError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, []bool{false}, outcomes)
	})

	t.Run("actual fails", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("boom")
		calls := 0
		e := newTestExecutor(&command.Assertion{
			Operator: "ok", ReExecutable: true,
			Actual: func() (interface{}, error) {
				calls++
				if calls > 1 {
					return nil, boom
				}
				return false, nil
			},
		}, time.Minute)

		_, err := e.Run(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("context canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := newTestExecutor(&command.Assertion{
			Operator: "ok", ReExecutable: true, Actual: counter(false),
		}, time.Minute)

		_, err := e.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAssertionCheck(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		op       string
		actual   interface{}
		expected interface{}
		pass     bool
	}{
		{"eql", int64(3), float64(3), true},
		{"eql", "a", "b", false},
		{"notEql", "a", "b", true},
		{"ok", "x", nil, true},
		{"ok", "", nil, false},
		{"notOk", int64(0), nil, true},
		{"contains", "hello world", "world", true},
		{"contains", []interface{}{"a", int64(1)}, float64(1), true},
		{"notContains", []interface{}{"a"}, "b", true},
	}
	for _, tc := range testCases {
		a := &command.Assertion{Operator: tc.op, Expected: tc.expected}
		err := a.Check(tc.actual)
		if tc.pass {
			assert.NoError(t, err, "%s %v %v", tc.op, tc.actual, tc.expected)
		} else {
			assert.Error(t, err, "%s %v %v", tc.op, tc.actual, tc.expected)
		}
	}

	assert.Error(t, (&command.Assertion{Operator: "within"}).Check(1))
}
