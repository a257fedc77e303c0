package transmitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/k6bridge/lib/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echo struct {
	N   int    `json:"n"`
	Run string `json:"-"`
}

func (e echo) RunID() string { return e.Run }

func newPair(t *testing.T, hostTransport, workerTransport Transport) (host, worker *Transmitter) {
	t.Helper()
	logger, _ := testutils.NewLogger(t)
	host = New(context.Background(), hostTransport, logger)
	worker = New(context.Background(), workerTransport, logger)
	t.Cleanup(func() {
		assert.NoError(t, host.Close())
		assert.NoError(t, worker.Close())
	})
	return host, worker
}

func newPipePair(t *testing.T) (host, worker *Transmitter) {
	t.Helper()
	h, w := NewPipePair()
	return newPair(t, h, w)
}

func TestSendCorrelatesConcurrentReplies(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	worker.On("double", func(_ context.Context, msg *Message) (interface{}, error) {
		var in echo
		if err := msg.Decode(&in); err != nil {
			return nil, err
		}
		// later requests answer first
		time.Sleep(time.Duration(50-in.N) * time.Millisecond / 10)
		return echo{N: in.N * 2}, nil
	})
	host.Start()
	worker.Start()

	ctx := context.Background()
	calls := make([]*Call, 50)
	for i := range calls {
		calls[i] = host.Send(ctx, "double", echo{N: i})
	}
	for i, call := range calls {
		var out echo
		require.NoError(t, call.Decode(ctx, &out))
		assert.Equal(t, i*2, out.N)
	}
}

func TestSendSyncIsNotBlockedByPendingAsyncCalls(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	started := make(chan struct{})
	release := make(chan struct{})
	worker.On("slow", func(ctx context.Context, _ *Message) (interface{}, error) {
		close(started)
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	worker.On("fast", func(context.Context, *Message) (interface{}, error) {
		return "fast", nil
	})
	host.Start()
	worker.Start()

	slow := host.Send(context.Background(), "slow", nil)
	<-started

	res, err := host.SendSync("fast", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(res))

	select {
	case <-slow.Done():
		t.Fatal("the async call should still be pending")
	default:
	}
	close(release)
	res, err = slow.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"slow"`, string(res))
}

func TestHandlersCanCallBackDuringARequest(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	host.On("execute-command", func(context.Context, *Message) (interface{}, error) {
		return 42, nil
	})
	worker.On("run-test", func(context.Context, *Message) (interface{}, error) {
		res, err := worker.SendSync("execute-command", nil)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	host.Start()
	worker.Start()

	res, err := host.Send(context.Background(), "run-test", nil).Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res))
}

type flakyTransport struct {
	Transport
	failEvent string
}

var errBoom = errors.New("boom")

func (f *flakyTransport) WriteFrame(lane Lane, frame []byte) error {
	if bytes.Contains(frame, []byte(fmt.Sprintf(`"event":%q`, f.failEvent))) {
		return errBoom
	}
	return f.Transport.WriteFrame(lane, frame)
}

func TestWriteFailureFailsOnlyThatCall(t *testing.T) {
	t.Parallel()

	h, w := NewPipePair()
	host, worker := newPair(t, &flakyTransport{Transport: h, failEvent: "broken"}, w)
	worker.On("ok", func(context.Context, *Message) (interface{}, error) {
		return true, nil
	})
	host.Start()
	worker.Start()

	ctx := context.Background()
	_, err := host.Send(ctx, "broken", nil).Wait(ctx)
	require.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrTransportClosed)

	res, err := host.Send(ctx, "ok", nil).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res))
	assert.NoError(t, host.Err())
}

func TestTransportCloseFailsAllPendingCalls(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	var started sync.WaitGroup
	started.Add(2)
	block := func(ctx context.Context, _ *Message) (interface{}, error) {
		started.Done()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	worker.On("async", block)
	worker.On("sync", block)
	host.Start()
	worker.Start()

	async := host.Send(context.Background(), "async", nil)
	syncErr := make(chan error, 1)
	go func() {
		_, err := host.SendSync("sync", nil)
		syncErr <- err
	}()
	started.Wait()

	require.NoError(t, worker.Close())

	_, err := async.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, <-syncErr, ErrTransportClosed)

	<-host.Done()
	_, err = host.SendSync("sync", nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, host.Emit("event", nil), ErrTransportClosed)
}

func TestMultipleHandlers(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	var mu sync.Mutex
	var calls []string
	record := func(name string, res interface{}, err error) Handler {
		return func(context.Context, *Message) (interface{}, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return res, err
		}
	}
	worker.On("result", record("first", "a", nil))
	worker.On("result", record("second", nil, nil))
	worker.On("result", record("third", "c", nil))
	worker.On("fail", record("fail-1", nil, errors.New("first failure")))
	worker.On("fail", record("fail-2", nil, errors.New("second failure")))
	host.Start()
	worker.Start()

	ctx := context.Background()
	res, err := host.Send(ctx, "result", nil).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"c"`, string(res))

	_, err = host.Send(ctx, "fail", nil).Wait(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "first failure", remote.Message)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third", "fail-1", "fail-2"}, calls)
}

func TestUnhandledRequest(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	host.Start()
	worker.Start()

	_, err := host.SendSync("nobody-listens", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "nobody-listens")
}

type stackErr struct{}

func (stackErr) Error() string      { return "exception" }
func (stackErr) StackTrace() string { return "at test.js:3:5" }

func TestRemoteErrorCarriesStackTrace(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	worker.On("throw", func(context.Context, *Message) (interface{}, error) {
		return nil, fmt.Errorf("running test: %w", stackErr{})
	})
	host.Start()
	worker.Start()

	_, err := host.SendSync("throw", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "running test: exception", remote.Error())
	assert.Equal(t, "at test.js:3:5", remote.StackTrace())
}

func TestEventsAreHandledInOrder(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	var got []int
	done := make(chan struct{})
	worker.On("tick", func(_ context.Context, msg *Message) (interface{}, error) {
		var e echo
		if err := msg.Decode(&e); err != nil {
			return nil, err
		}
		got = append(got, e.N)
		if e.N == 99 {
			close(done)
		}
		return nil, nil
	})
	host.Start()
	worker.Start()

	for i := 0; i < 100; i++ {
		require.NoError(t, host.Emit("tick", echo{N: i}))
	}
	<-done
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestTestRunIDTravelsWithTheEnvelope(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	worker.On("whoami", func(_ context.Context, msg *Message) (interface{}, error) {
		return msg.TestRunID, nil
	})
	host.Start()
	worker.Start()

	res, err := host.SendSync("whoami", echo{Run: "run-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"run-1"`, string(res))
}

func TestCallWaitHonorsContext(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	worker.On("never", func(ctx context.Context, _ *Message) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	host.Start()
	worker.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := host.Send(ctx, "never", nil).Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageEnvelope(t *testing.T) {
	t.Parallel()

	in := Message{
		ID:        7,
		Kind:      KindResponse,
		Event:     "run-test",
		TestRunID: "run-1",
		Payload:   easyjson.RawMessage(`{"a":[1,2]}`),
		Error:     &RemoteError{Message: "failed", Stack: "at x"},
	}
	frame, err := easyjson.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "\n")

	var out Message
	require.NoError(t, easyjson.Unmarshal(append(frame[:len(frame)-1], []byte(`,"extra":{"x":null}}`)...), &out))
	assert.Equal(t, in, out)
}

func TestNullResultsSurviveTheRoundTrip(t *testing.T) {
	t.Parallel()

	host, worker := newPipePair(t)
	worker.On("nothing", func(context.Context, *Message) (interface{}, error) {
		return (*echo)(nil), nil
	})
	worker.On("void", func(context.Context, *Message) (interface{}, error) {
		return nil, nil
	})
	host.Start()
	worker.Start()

	ctx := context.Background()
	res, err := host.Send(ctx, "nothing", nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))

	res, err = host.Send(ctx, "void", nil).Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)

	var out Message
	require.NoError(t, easyjson.Unmarshal([]byte(`{"id":3,"kind":"response","payload":null}`), &out))
	assert.Equal(t, easyjson.RawMessage("null"), out.Payload)
	assert.Equal(t, int64(3), out.ID)
}
