// cache keeps the confirmed history and status of hot scripts in memory.
package cache

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// Entry is the confirmed history of one script. Entries are immutable.
type Entry struct {
	Items  []types.HistoryItem
	hasher *StatusHasher
}

// Status is the status of the confirmed history alone.
func (e *Entry) Status() *string {
	return e.hasher.Clone().Sum()
}

// Hasher returns a copy of the status state after all confirmed items.
func (e *Entry) Hasher() *StatusHasher {
	return e.hasher.Clone()
}

// History is a bounded read-through cache of confirmed histories.
//
// Commits through Update hold the write lock while the store is written and
// touched entries are dropped, loads hold the read lock from scan to insert.
// No load can therefore insert a history read before a commit that has
// already returned.
type History struct {
	mu    sync.RWMutex
	store database.Reader
	lru   *lru.Cache[types.ScriptHash, *Entry]
}

func New(store database.Reader, size int) (*History, error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[types.ScriptHash, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &History{store: store, lru: c}, nil
}

func (h *History) Get(sh types.ScriptHash) (*Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if e, ok := h.lru.Get(sh); ok {
		metrics.ObserveCacheLookup(true)
		return e, nil
	}
	metrics.ObserveCacheLookup(false)

	items, err := LoadHistory(h.store, &sh)
	if err != nil {
		return nil, err
	}
	e := &Entry{Items: items, hasher: NewStatusHasher()}
	e.hasher.Add(items...)
	h.lru.Add(sh, e)
	return e, nil
}

// Update runs commit and drops the touched scripts before returning.
func (h *History) Update(touched []types.ScriptHash, commit func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := commit()
	// drop even on error, the store state is unknown then
	for _, sh := range touched {
		h.lru.Remove(sh)
	}
	if err != nil {
		logging.L.Err(err).Int("touched", len(touched)).Msg("commit failed")
	}
	return err
}

func (h *History) Len() int {
	return h.lru.Len()
}

func (h *History) Purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lru.Purge()
}

// LoadHistory merges the funding and spending entries of sh into one
// history ordered by (height, pos). A transaction shows up once.
func LoadHistory(r database.Reader, sh *types.ScriptHash) ([]types.HistoryItem, error) {
	funding, err := database.FundingEntries(r, sh)
	if err != nil {
		return nil, err
	}
	spending, err := database.SpendingEntries(r, sh)
	if err != nil {
		return nil, err
	}

	items := make([]types.HistoryItem, 0, len(funding)+len(spending))
	for _, f := range funding {
		items = append(items, types.HistoryItem{Txid: f.Txid, Height: int32(f.Height), TxPos: f.TxPos, Confirmed: true})
	}
	for _, s := range spending {
		items = append(items, types.HistoryItem{Txid: s.Txid, Height: int32(s.Height), TxPos: s.TxPos, Confirmed: true})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Height != items[j].Height {
			return items[i].Height < items[j].Height
		}
		return items[i].TxPos < items[j].TxPos
	})

	out := items[:0]
	for i, item := range items {
		if i > 0 && item.Txid == out[len(out)-1].Txid {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
