package electrum

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/sourcegraph/jsonrpc2"
)

// ErrOutboundOverflow closes a session whose client does not keep up with notifications.
var ErrOutboundOverflow = errors.New("outbound queue overflow")

type notification struct {
	method string
	params interface{}
}

type session struct {
	id     uuid.UUID
	remote string
	srv    *Server

	queue chan notification
	done  chan struct{}
	once  sync.Once
	// writeTurn is held by the writer while it sends a notification and by a
	// subscribe handler until its reply is on the wire
	writeTurn chan struct{}
	holding   atomic.Bool
	// transport is closed directly, a jsonrpc2 close would wait for a blocked write
	transport io.Closer

	mu      sync.Mutex
	scripts map[types.ScriptHash]*string // last status sent
	headers bool
	// last tip sent to a headers subscriber
	tipHeight uint32
	tipHash   string
}

func newSession(srv *Server, remote string, transport io.Closer) *session {
	return &session{
		id:        uuid.New(),
		remote:    remote,
		srv:       srv,
		queue:     make(chan notification, srv.cfg.QueueSize),
		done:      make(chan struct{}),
		writeTurn: make(chan struct{}, 1),
		transport: transport,
		scripts:   make(map[types.ScriptHash]*string),
	}
}

// run serves requests until the stream is closed by either side.
func (s *session) run(ctx context.Context, stream jsonrpc2.ObjectStream) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.SessionOpened()
	defer metrics.SessionClosed()
	logging.L.Debug().Str("session", s.id.String()).Str("remote", s.remote).Msg("session opened")

	handler := jsonrpc2.HandlerWithError(s.handle).SuppressErrClosed()

	conn := jsonrpc2.NewConn(ctx, stream, handler, jsonrpc2.OnSend(s.onSend))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn)
	}()

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
	case <-s.done:
	}
	s.close("disconnected")
	<-conn.DisconnectNotify()
	<-writerDone

	logging.L.Debug().Str("session", s.id.String()).Str("remote", s.remote).Msg("session closed")
}

// writeLoop delivers queued notifications. It is the only place that waits on the client.
func (s *session) writeLoop(ctx context.Context, conn *jsonrpc2.Conn) {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.queue:
			select {
			case s.writeTurn <- struct{}{}:
			case <-s.done:
				return
			}
			err := conn.Notify(ctx, n.method, n.params)
			<-s.writeTurn
			if err != nil {
				s.close("notify failed")
				return
			}
		}
	}
}

// holdNotifications keeps queued notifications off the wire until the reply
// of the running request is sent. Requests of a session are handled one at a
// time, so a subscribe reply always precedes the notifications that follow it.
func (s *session) holdNotifications(req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	select {
	case s.writeTurn <- struct{}{}:
		s.holding.Store(true)
	case <-s.done:
	}
}

func (s *session) onSend(_ *jsonrpc2.Request, resp *jsonrpc2.Response) {
	if resp != nil && s.holding.CompareAndSwap(true, false) {
		<-s.writeTurn
	}
}

// push queues a notification without blocking. A full queue closes the session.
func (s *session) push(method string, params interface{}) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- notification{method: method, params: params}:
		return true
	default:
		metrics.ObserveOverflow()
		logging.L.Warn().
			Err(ErrOutboundOverflow).
			Str("session", s.id.String()).
			Str("remote", s.remote).
			Int("queue", cap(s.queue)).
			Msg("closing slow session")
		s.close("overflow")
		return false
	}
}

func (s *session) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.transport.Close()
		logging.L.Trace().Str("session", s.id.String()).Str("reason", reason).Msg("closing session")
	})
}

func (s *session) subscribedScripts() []types.ScriptHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScriptHash, 0, len(s.scripts))
	for sh := range s.scripts {
		out = append(out, sh)
	}
	return out
}

func (s *session) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result interface{}, err error) {
	started := time.Now()
	method := req.Method
	if method == methodParseError || method == methodBatch {
		method = "invalid"
	}
	defer func() {
		if p := recover(); p != nil {
			logging.L.Error().Interface("panic", p).Str("method", method).Msg("handler panicked")
			err = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "internal error"}
		}
		metrics.ObserveRequest(metricMethod(method), err, started)
	}()

	fn, ok := methods[req.Method]
	if !ok {
		switch req.Method {
		case methodParseError:
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeParseError, Message: "invalid JSON"}
		case methodBatch:
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "batch requests are not supported"}
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return fn(ctx, s, req)
}

// metricMethod keeps the label set bounded.
func metricMethod(method string) string {
	if _, ok := methods[method]; ok {
		return method
	}
	return "unknown"
}
