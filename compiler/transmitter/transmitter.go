// Package transmitter implements the duplex message protocol between the host
// and the worker.
//
// A Transmitter multiplexes requests, responses and events over the lanes of
// a Transport. Requests sent with Send resolve a Call future; requests sent
// with SendSync block the calling goroutine on the dedicated sync lane, so
// they never queue behind async traffic. Responses are correlated by id.
package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6bridge/errext"
)

// ErrTransportClosed is returned by every call pending or started after the
// transport went away.
var ErrTransportClosed = errors.New("transport closed")

// Handler handles an inbound request or event. For events the result is
// ignored.
type Handler func(ctx context.Context, msg *Message) (interface{}, error)

type runIDer interface {
	RunID() string
}

// Transmitter is one end of the host/worker connection.
type Transmitter struct {
	transport Transport
	logger    logrus.FieldLogger
	msgID     int64

	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	pendingMu sync.Mutex
	pending   map[int64]*Call

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
	wg        sync.WaitGroup
}

// New returns a transmitter over transport. Handlers should be registered
// before Start is called.
func New(ctx context.Context, transport Transport, logger logrus.FieldLogger) *Transmitter {
	ctx, cancel := context.WithCancel(ctx)
	return &Transmitter{
		transport: transport,
		logger:    logger.WithField("component", "transmitter"),
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[string][]Handler),
		pending:   make(map[int64]*Call),
		done:      make(chan struct{}),
	}
}

// Start starts one reader per lane.
func (t *Transmitter) Start() {
	t.startOnce.Do(func() {
		for _, lane := range Lanes() {
			t.wg.Add(1)
			go t.recvLoop(lane)
		}
	})
}

// On registers h for event. Several handlers may be registered for the same
// event; they are all invoked, in registration order.
func (t *Transmitter) On(event string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

// Send sends a request on the async lane and returns its future.
func (t *Transmitter) Send(ctx context.Context, event string, payload interface{}) *Call {
	return t.call(ctx, LaneAsync, event, payload)
}

// SendSync sends a request on the sync lane and blocks until the reply
// arrives or the transport closes.
func (t *Transmitter) SendSync(event string, payload interface{}) (easyjson.RawMessage, error) {
	call := t.call(context.Background(), LaneSync, event, payload)
	<-call.Done()
	return call.result, call.err
}

// Emit sends a fire-and-forget event on the events lane.
func (t *Transmitter) Emit(event string, payload interface{}) error {
	msg, err := newMessage(KindEvent, event, payload)
	if err != nil {
		return err
	}
	if err := t.Err(); err != nil {
		return err
	}
	return t.write(LaneEvents, msg)
}

// Done is closed once the transmitter is shut down.
func (t *Transmitter) Done() <-chan struct{} {
	return t.done
}

// Err returns the reason of the shutdown, or nil while running.
func (t *Transmitter) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close shuts the transmitter down, fails pending calls and waits for the
// readers and the running handlers to return.
func (t *Transmitter) Close() error {
	t.shutdown(nil)
	t.wg.Wait()
	return nil
}

func (t *Transmitter) call(ctx context.Context, lane Lane, event string, payload interface{}) *Call {
	call := newCall()
	msg, err := newMessage(KindRequest, event, payload)
	if err != nil {
		call.resolve(nil, err)
		return call
	}
	msg.ID = atomic.AddInt64(&t.msgID, 1)

	t.pendingMu.Lock()
	if err := t.Err(); err != nil {
		t.pendingMu.Unlock()
		call.resolve(nil, err)
		return call
	}
	t.pending[msg.ID] = call
	t.pendingMu.Unlock()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			t.dropPending(msg.ID)
			call.resolve(nil, ctx.Err())
		})
		go func() {
			<-call.Done()
			stop()
		}()
	}

	if err := t.write(lane, msg); err != nil {
		t.dropPending(msg.ID)
		call.resolve(nil, err)
	}
	return call
}

func (t *Transmitter) write(lane Lane, msg *Message) error {
	frame, err := easyjson.Marshal(msg)
	if err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"lane":  lane,
		"kind":  msg.Kind,
		"event": msg.Event,
		"id":    msg.ID,
	}).Trace("->")
	if err := t.transport.WriteFrame(lane, frame); err != nil {
		return fmt.Errorf("writing %s on the %s lane: %w", msg.Event, lane, err)
	}
	return nil
}

func (t *Transmitter) dropPending(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *Transmitter) recvLoop(lane Lane) {
	defer t.wg.Done()
	for {
		frame, err := t.transport.ReadFrame(lane)
		if err != nil {
			t.shutdown(err)
			return
		}

		msg := &Message{}
		if err := easyjson.Unmarshal(frame, msg); err != nil {
			t.logger.WithError(err).WithField("lane", lane).Warn("Dropping malformed frame")
			continue
		}
		msg.Lane = lane
		t.logger.WithFields(logrus.Fields{
			"lane":  lane,
			"kind":  msg.Kind,
			"event": msg.Event,
			"id":    msg.ID,
		}).Trace("<-")

		switch msg.Kind {
		case KindResponse:
			t.resolve(msg)
		case KindRequest:
			t.wg.Add(1)
			go t.handleRequest(msg)
		case KindEvent:
			t.handleEvent(msg)
		default:
			t.logger.WithField("kind", msg.Kind).Warn("Dropping message of unknown kind")
		}
	}
}

func (t *Transmitter) resolve(msg *Message) {
	t.pendingMu.Lock()
	call, ok := t.pending[msg.ID]
	delete(t.pending, msg.ID)
	t.pendingMu.Unlock()
	if !ok {
		t.logger.WithField("id", msg.ID).Debug("Dropping response without a pending call")
		return
	}
	if msg.Error != nil {
		call.resolve(nil, msg.Error)
		return
	}
	call.resolve(msg.Payload, nil)
}

func (t *Transmitter) handlersFor(event string) []Handler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.handlers[event]
}

func (t *Transmitter) handleEvent(msg *Message) {
	for _, h := range t.handlersFor(msg.Event) {
		if _, err := h(t.ctx, msg); err != nil {
			t.logger.WithError(err).WithField("event", msg.Event).Warn("Event handler failed")
		}
	}
}

func (t *Transmitter) handleRequest(msg *Message) {
	defer t.wg.Done()

	handlers := t.handlersFor(msg.Event)
	var (
		result   interface{}
		firstErr error
	)
	if len(handlers) == 0 {
		firstErr = fmt.Errorf("no handler for %q", msg.Event)
	}
	for _, h := range handlers {
		res, err := h(t.ctx, msg)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if res != nil {
			result = res
		}
	}

	reply := &Message{ID: msg.ID, Kind: KindResponse, Event: msg.Event, TestRunID: msg.TestRunID}
	if firstErr != nil {
		reply.Error = toRemoteError(firstErr)
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			reply.Error = toRemoteError(fmt.Errorf("encoding the result of %q: %w", msg.Event, err))
		} else {
			reply.Payload = raw
		}
	}

	if err := t.write(msg.Lane, reply); err != nil && t.Err() == nil {
		t.logger.WithError(err).WithField("event", msg.Event).Warn("Could not reply")
	}
}

func (t *Transmitter) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if cause == nil {
			t.err = ErrTransportClosed
		} else {
			t.err = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
		}

		t.pendingMu.Lock()
		close(t.done)
		pending := t.pending
		t.pending = make(map[int64]*Call)
		t.pendingMu.Unlock()

		t.cancel()
		if err := t.transport.Close(); err != nil {
			t.logger.WithError(err).Debug("Closing the transport")
		}
		for _, call := range pending {
			call.resolve(nil, t.err)
		}
		t.logger.WithError(cause).Debug("Transmitter shut down")
	})
}

func newMessage(kind Kind, event string, payload interface{}) (*Message, error) {
	msg := &Message{Kind: kind, Event: event}
	if r, ok := payload.(runIDer); ok {
		msg.TestRunID = r.RunID()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding the payload of %q: %w", event, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func toRemoteError(err error) *RemoteError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	re := &RemoteError{Message: err.Error()}
	var exc errext.Exception
	if errors.As(err, &exc) {
		re.Stack = exc.StackTrace()
	}
	return re
}
