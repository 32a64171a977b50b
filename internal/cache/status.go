package cache

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"hash"
	"strconv"

	"github.com/setavenger/blindbit-electrum/internal/types"
)

// StatusHasher accumulates the electrum status of a script history:
// sha256 over "txid:height:" for every item in history order.
type StatusHasher struct {
	h hash.Hash
	n int
}

func NewStatusHasher() *StatusHasher {
	return &StatusHasher{h: sha256.New()}
}

func (s *StatusHasher) Add(items ...types.HistoryItem) {
	buf := make([]byte, 0, 64+1+11+1)
	for _, item := range items {
		buf = buf[:0]
		buf = append(buf, item.Txid.String()...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(item.Height), 10)
		buf = append(buf, ':')
		s.h.Write(buf)
		s.n++
	}
}

// Sum returns the hex status or nil for an empty history.
func (s *StatusHasher) Sum() *string {
	if s.n == 0 {
		return nil
	}
	out := hex.EncodeToString(s.h.Sum(nil))
	return &out
}

// Clone returns an independent copy so unconfirmed items can be appended
// without touching the cached state.
func (s *StatusHasher) Clone() *StatusHasher {
	state, err := s.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err) // sha256 always marshals
	}
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	return &StatusHasher{h: h, n: s.n}
}

// Status computes the status of a complete history.
func Status(items []types.HistoryItem) *string {
	s := NewStatusHasher()
	s.Add(items...)
	return s.Sum()
}
