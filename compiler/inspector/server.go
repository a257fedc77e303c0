// Package inspector exposes the debug endpoint of the worker and lets the
// host listen to it.
//
// The worker side is a minimal Chrome DevTools Protocol target: it serves the
// /json discovery documents and a websocket speaking cdproto messages. It is
// enough for a debugger client to release a worker started with
// --inspect-brk and to be told when test code asks to be debugged.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/sirupsen/logrus"
)

// ErrServerClosed is returned by WaitForDebugger once the server is closed.
var ErrServerClosed = errors.New("inspector closed")

// Target is an entry of the /json/list discovery document.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Server is the debug endpoint of a worker.
type Server struct {
	logger      logrus.FieldLogger
	id          string
	title       string
	stopOnStart bool
	listener    net.Listener
	srv         *http.Server
	upgrader    websocket.Upgrader

	releaseOnce sync.Once
	released    chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}

	connsMu sync.Mutex
	conns   map[*websocket.Conn]*sync.Mutex
	wg      sync.WaitGroup
}

// Listen starts a debug endpoint on addr. When stopOnStart is set,
// WaitForDebugger blocks until a client releases the worker.
func Listen(addr, title string, stopOnStart bool, logger logrus.FieldLogger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("inspector: %w", err)
	}
	s := &Server{
		logger:      logger.WithField("component", "inspector"),
		id:          uuid.NewString(),
		title:       title,
		stopOnStart: stopOnStart,
		listener:    l,
		released:    make(chan struct{}),
		closed:      make(chan struct{}),
		conns:       make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if !stopOnStart {
		s.release()
	}

	mux := http.NewServeMux()
	mux.Handle("/json", withLoggingHandler(s.logger, http.HandlerFunc(s.handleList)))
	mux.Handle("/json/list", withLoggingHandler(s.logger, http.HandlerFunc(s.handleList)))
	mux.Handle("/json/version", withLoggingHandler(s.logger, http.HandlerFunc(s.handleVersion)))
	mux.HandleFunc("/"+s.id, s.handleWebSocket)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Warn("Debug endpoint stopped")
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// WebSocketURL returns the URL of the debugging target.
func (s *Server) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/%s", s.Addr(), s.id)
}

// WaitForDebugger blocks until a client releases the worker. It returns
// immediately unless the server was started with stopOnStart.
func (s *Server) WaitForDebugger(ctx context.Context) error {
	select {
	case <-s.released:
		return nil
	default:
	}
	s.logger.Infof("Debugger listening on %s, waiting for it to resume", s.WebSocketURL())
	select {
	case <-s.released:
		return nil
	case <-s.closed:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused tells every attached client that test code stopped for debugging.
func (s *Server) Paused() {
	params, err := easyjson.Marshal(&debugger.EventPaused{
		CallFrames: []*debugger.CallFrame{},
		Reason:     debugger.PausedReasonDebugCommand,
	})
	if err != nil {
		s.logger.WithError(err).Error("Encoding Debugger.paused")
		return
	}
	s.broadcast(&cdproto.Message{Method: cdproto.EventDebuggerPaused, Params: params})
}

// Close stops the server and drops every client.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.srv.Close()
		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *Server) release() {
	s.releaseOnce.Do(func() {
		close(s.released)
	})
}

func (s *Server) target() Target {
	return Target{
		ID:                   s.id,
		Type:                 "node",
		Title:                s.title,
		URL:                  "file://" + s.title,
		WebSocketDebuggerURL: s.WebSocketURL(),
	}
}

func (s *Server) handleList(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, s.logger, []Target{s.target()})
}

func (s *Server) handleVersion(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, s.logger, map[string]string{
		"Browser":          "k6bridge",
		"Protocol-Version": "1.3",
	})
}

func (s *Server) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	s.connsMu.Lock()
	select {
	case <-s.closed:
		s.connsMu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.conns[conn] = &sync.Mutex{}
	s.wg.Add(1)
	s.connsMu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			s.logger.WithError(err).Debug("Dropping malformed CDP message")
			continue
		}
		s.logger.WithField("method", msg.Method).Debug("cdp:recv")
		s.send(conn, s.dispatch(&msg))
	}
}

func (s *Server) dispatch(msg *cdproto.Message) *cdproto.Message {
	reply := &cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
	switch msg.Method {
	case cdproto.CommandRuntimeRunIfWaitingForDebugger, cdproto.CommandDebuggerResume:
		s.release()
	case cdproto.CommandDebuggerEnable:
		res, err := easyjson.Marshal(&debugger.EnableReturns{DebuggerID: runtime.UniqueDebuggerID(s.id)})
		if err != nil {
			reply.Error = &cdproto.Error{Code: -32603, Message: err.Error()}
			reply.Result = nil
			break
		}
		reply.Result = res
	case cdproto.CommandRuntimeEnable, cdproto.CommandDebuggerDisable, cdproto.CommandRuntimeDisable:
	default:
		reply.Result = nil
		reply.Error = &cdproto.Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", msg.Method)}
	}
	return reply
}

func (s *Server) broadcast(msg *cdproto.Message) {
	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		s.send(conn, msg)
	}
}

func (s *Server) send(conn *websocket.Conn, msg *cdproto.Message) {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Error("Encoding CDP message")
		return
	}
	s.connsMu.Lock()
	mu, ok := s.conns[conn]
	s.connsMu.Unlock()
	if !ok {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		s.logger.WithError(err).Debug("cdp:send failed")
	}
}

type wrappedResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrappedResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// withLoggingHandler returns the middleware which logs response status for request.
func withLoggingHandler(l logrus.FieldLogger, next http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wrapped := &wrappedResponseWriter{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		l.WithField("status", wrapped.status).Debugf("%s %s", r.Method, r.URL.Path)
	}
}

func writeJSON(rw http.ResponseWriter, logger logrus.FieldLogger, v interface{}) {
	rw.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logger.WithError(err).Error("Error while encoding the discovery document")
	}
}
