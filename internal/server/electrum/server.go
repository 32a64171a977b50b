// electrum serves the electrum protocol: newline framed JSON-RPC over TCP and
// optionally over websockets.
package electrum

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/websocket"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/mempool"
	"github.com/setavenger/blindbit-electrum/internal/query"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
)

// Querier is the read side the server answers from.
type Querier interface {
	TipHeader() (*types.BlockHeader, error)
	Header(height uint32) (*types.BlockHeader, error)
	History(sh types.ScriptHash) ([]types.HistoryItem, error)
	MempoolHistory(sh types.ScriptHash) ([]types.HistoryItem, error)
	Status(sh types.ScriptHash) (*string, error)
	Balance(sh types.ScriptHash) (*query.Balance, error)
	UTXOs(sh types.ScriptHash) ([]types.UTXO, error)
	Transaction(txid *chainhash.Hash) (*types.Transaction, error)
	MerkleProof(txid *chainhash.Hash) (*query.MerkleProof, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	EstimateFee(ctx context.Context, target uint32) (float64, error)
	MempoolStats() (mempool.Stats, error)
}

type Config struct {
	Addr        string
	WSAddr      string
	QueueSize   int
	IdleTimeout time.Duration
	MaxSessions int
	Banner      string
	GenesisHash string
	// ServerVersion and ProtocolVersion are reported by server.version.
	ServerVersion   string
	ProtocolVersion string
}

var ErrTooManySessions = errors.New("too many sessions")

type Server struct {
	cfg   Config
	query Querier
	bus   events.Bus

	mu       sync.Mutex
	sessions map[*session]struct{}
	// subscribers of a script, guarded by mu
	scripts map[types.ScriptHash]map[*session]struct{}

	// notifyMu serialises the notifier across both topics
	notifyMu sync.Mutex
}

func New(cfg Config, q Querier, bus events.Bus) *Server {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Server{
		cfg:      cfg,
		query:    q,
		bus:      bus,
		sessions: make(map[*session]struct{}),
		scripts:  make(map[types.ScriptHash]map[*session]struct{}),
	}
}

// Start subscribes the notifier to the event bus.
func (s *Server) Start() error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.SubscribeAsync(events.TopicChainTip, s.onTip, true); err != nil {
		return err
	}
	return s.bus.SubscribeAsync(events.TopicMempool, s.onMempool, true)
}

// Stop unsubscribes the notifier and closes all sessions.
func (s *Server) Stop() {
	if s.bus != nil {
		_ = s.bus.Unsubscribe(events.TopicChainTip, s.onTip)
		_ = s.bus.Unsubscribe(events.TopicMempool, s.onMempool)
		s.bus.WaitAsync()
	}
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.close("server stopping")
	}
}

// ListenAndServe serves the TCP listener and, if configured, the websocket
// listener until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	logging.L.Info().Str("addr", ln.Addr().String()).Msg("electrum server listening")

	errCh := make(chan error, 2)
	go func() { errCh <- s.Serve(ctx, ln) }()
	if s.cfg.WSAddr != "" {
		go func() { errCh <- s.ServeWebsocket(ctx) }()
	}

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errCh:
		s.Stop()
		return err
	}
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go func() {
			if err := s.ServeConn(ctx, conn); err != nil {
				logging.L.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("session refused")
			}
		}()
	}
}

// ServeConn runs one session on conn and returns once it is closed.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	stream := jsonrpc2.NewBufferedStream(&idleConn{Conn: conn, timeout: s.cfg.IdleTimeout}, LineCodec{})
	return s.serveStream(ctx, stream, conn, conn.RemoteAddr().String())
}

// ServeWebsocket serves the same protocol with one JSON message per websocket frame.
func (s *Server) ServeWebsocket(ctx context.Context) error {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logging.L.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()
		stream := wsstream.NewObjectStream(conn)
		if err := s.serveStream(ctx, stream, stream, r.RemoteAddr); err != nil {
			logging.L.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("session refused")
		}
	})

	srv := &http.Server{Addr: s.cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.L.Info().Str("addr", s.cfg.WSAddr).Msg("electrum websocket listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveStream(ctx context.Context, stream jsonrpc2.ObjectStream, transport io.Closer, remote string) error {
	sess := newSession(s, remote, transport)
	if err := s.register(sess); err != nil {
		transport.Close()
		return err
	}
	defer s.unregister(sess)
	sess.run(ctx, stream)
	return nil
}

func (s *Server) register(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return ErrTooManySessions
	}
	s.sessions[sess] = struct{}{}
	return nil
}

func (s *Server) unregister(sess *session) {
	scripts := sess.subscribedScripts()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
	for _, sh := range scripts {
		s.dropSubscriber(sh, sess)
	}
}

func (s *Server) subscribe(sess *session, sh types.ScriptHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.scripts[sh]
	if !ok {
		subs = make(map[*session]struct{})
		s.scripts[sh] = subs
	}
	subs[sess] = struct{}{}
}

func (s *Server) unsubscribe(sess *session, sh types.ScriptHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSubscriber(sh, sess)
}

// dropSubscriber must be called with mu held.
func (s *Server) dropSubscriber(sh types.ScriptHash, sess *session) {
	subs := s.scripts[sh]
	delete(subs, sess)
	if len(subs) == 0 {
		delete(s.scripts, sh)
	}
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
