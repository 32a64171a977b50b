package electrum

import (
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

const (
	notifyScripthash = "blockchain.scripthash.subscribe"
	notifyHeaders    = "blockchain.headers.subscribe"
)

func (s *Server) onTip(ev events.TipEvent) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifyHeaders()
	s.notifyScripts(ev.Touched)
}

func (s *Server) onMempool(ev events.MempoolEvent) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifyScripts(ev.Touched)
}

// notifyHeaders pushes the current tip to every headers subscriber that has
// not seen it yet. Events that arrive during a sync collapse into the latest tip.
func (s *Server) notifyHeaders() {
	sessions := s.allSessions()
	if len(sessions) == 0 {
		return
	}
	header, err := s.query.TipHeader()
	if err != nil {
		logging.L.Warn().Err(err).Msg("cannot read tip for header notifications")
		return
	}
	result := headerResult{Height: header.Height, Hex: header.Hex()}
	hash := header.Hash.String()

	for _, sess := range sessions {
		sess.mu.Lock()
		send := sess.headers && (sess.tipHeight != header.Height || sess.tipHash != hash)
		if send {
			sess.tipHeight, sess.tipHash = header.Height, hash
		}
		sess.mu.Unlock()
		if send && sess.push(notifyHeaders, []interface{}{result}) {
			metrics.ObserveNotification("headers")
		}
	}
}

// notifyScripts computes the status of every touched script once and pushes
// it to the subscribers whose last sent status differs.
func (s *Server) notifyScripts(touched []types.ScriptHash) {
	for _, sh := range touched {
		subs := s.subscribers(sh)
		if len(subs) == 0 {
			continue
		}
		status, err := s.query.Status(sh)
		if err != nil {
			logging.L.Warn().Err(err).Str("scripthash", sh.String()).Msg("cannot compute status")
			continue
		}
		for _, sess := range subs {
			sess.mu.Lock()
			last, subscribed := sess.scripts[sh]
			send := subscribed && !sameStatus(last, status)
			if send {
				sess.scripts[sh] = status
			}
			sess.mu.Unlock()
			if send && sess.push(notifyScripthash, []interface{}{sh.String(), status}) {
				metrics.ObserveNotification("scripthash")
			}
		}
	}
}

func sameStatus(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Server) subscribers(sh types.ScriptHash) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.scripts[sh]
	out := make([]*session, 0, len(subs))
	for sess := range subs {
		out = append(out, sess)
	}
	return out
}

func (s *Server) allSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
