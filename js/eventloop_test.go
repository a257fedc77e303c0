package js

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopCall(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	loop := newEventLoop(rt)
	defer loop.close()
	ctx := context.Background()

	v, err := loop.call(ctx, func() (goja.Value, error) {
		return rt.RunString(`1 + 2`)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = loop.call(ctx, func() (goja.Value, error) {
		return rt.RunString(`Promise.resolve("resolved").then(v => v + "!")`)
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved!", v)

	_, err = loop.call(ctx, func() (goja.Value, error) {
		return rt.RunString(`Promise.reject(new Error("rejected"))`)
	})
	assert.ErrorContains(t, err, "rejected")
}

func TestEventLoopSettlesFromOtherGoroutines(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	loop := newEventLoop(rt)
	defer loop.close()

	release := make(chan struct{})
	require.NoError(t, rt.Set("later", func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0).Export()
		return rt.ToValue(loop.promise(func() (interface{}, error) {
			<-release
			if v == "fail" {
				return nil, errors.New("failed later")
			}
			return v, nil
		}))
	}))

	done := make(chan result, 1)
	go func() {
		v, err := loop.call(context.Background(), func() (goja.Value, error) {
			return rt.RunString(`(async () => (await later("a")) + (await later("b")))()`)
		})
		done <- result{v: v, err: err}
	}()

	select {
	case <-done:
		t.Fatal("settled before the work was done")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "ab", r.v)

	_, err := loop.call(context.Background(), func() (goja.Value, error) {
		return rt.RunString(`later("fail")`)
	})
	assert.EqualError(t, err, "failed later")
}

func TestEventLoopNeverSettles(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	loop := newEventLoop(rt)
	defer loop.close()

	_, err := loop.call(context.Background(), func() (goja.Value, error) {
		return rt.RunString(`new Promise(() => {})`)
	})
	assert.ErrorIs(t, err, ErrNeverSettles)
}

func TestEventLoopHonorsContext(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	loop := newEventLoop(rt)
	defer loop.close()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, rt.Set("forever", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(loop.promise(func() (interface{}, error) {
			<-block
			return nil, nil
		}))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := loop.call(ctx, func() (goja.Value, error) {
		return rt.RunString(`forever()`)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventLoopClose(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	loop := newEventLoop(rt)
	loop.close()
	loop.close()

	_, err := loop.call(context.Background(), func() (goja.Value, error) {
		return goja.Undefined(), nil
	})
	assert.ErrorIs(t, err, errLoopClosed)
}
