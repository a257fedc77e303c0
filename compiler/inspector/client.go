package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/sirupsen/logrus"
)

// ErrClientClosed is returned by Execute once the connection is gone.
var ErrClientClosed = errors.New("inspector connection closed")

var _ cdp.Executor = &Client{}

// EventHandler receives a decoded CDP event, e.g. *debugger.EventPaused.
type EventHandler func(ev interface{})

// Client is a connection of the host to the debug endpoint of a worker.
type Client struct {
	logger logrus.FieldLogger
	conn   *websocket.Conn
	msgID  int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	handlersMu sync.RWMutex
	handlers   map[cdproto.MethodType][]EventHandler

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial discovers the debugging target listening on host:port and connects to
// it.
func Dial(ctx context.Context, host, port string, logger logrus.FieldLogger) (*Client, error) {
	wsURL, err := discover(ctx, net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	wsd := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		logger:   logger.WithField("component", "inspector-client"),
		conn:     conn,
		pending:  make(map[int64]chan *cdproto.Message),
		handlers: make(map[cdproto.MethodType][]EventHandler),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c, nil
}

func discover(ctx context.Context, addr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/json/list", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovering the debug target: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decoding the debug targets of %s: %w", addr, err)
	}
	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no debug target on %s", addr)
}

// On registers fn for the CDP event method.
func (c *Client) On(method cdproto.MethodType, fn EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = append(c.handlers[method], fn)
}

// Execute implements cdp.Executor and performs a synchronous send and receive.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{ID: id, Method: cdproto.MethodType(method)}
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = buf
	}

	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	select {
	case reply := <-ch:
		switch {
		case reply.Error != nil:
			return reply.Error
		case res != nil && len(reply.Result) > 0:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) write(msg *cdproto.Message) error {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return err
	}
	c.logger.Debugf("cdp:send -> %s", buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	defer close(c.done)
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("Debug connection lost")
			}
			return
		}
		c.logger.Debugf("cdp:recv <- %s", buf)

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.WithError(err).Debug("Dropping malformed CDP message")
			continue
		}

		switch {
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.WithError(err).Debug("Dropping undecodable CDP event")
				continue
			}
			c.handlersMu.RLock()
			handlers := c.handlers[msg.Method]
			c.handlersMu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}
