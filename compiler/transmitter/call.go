package transmitter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mailru/easyjson"
)

// Call is the future of a request sent with Send.
type Call struct {
	done   chan struct{}
	once   sync.Once
	result easyjson.RawMessage
	err    error
}

func newCall() *Call {
	return &Call{done: make(chan struct{})}
}

func (c *Call) resolve(result easyjson.RawMessage, err error) {
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
	})
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call is resolved or ctx is done.
func (c *Call) Wait(ctx context.Context) (easyjson.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the call and unmarshals its result into v.
func (c *Call) Decode(ctx context.Context, v interface{}) error {
	res, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if len(res) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(res, v)
}
