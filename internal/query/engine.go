// query answers client reads from the index, the history cache and the
// mempool snapshot. It never writes.
package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/cache"
	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/mempool"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

var (
	// ErrUnavailable is returned for every query once the index is no longer trusted.
	ErrUnavailable = errors.New("index unavailable")
	ErrNotFound    = errors.New("not found")
	ErrBadRequest  = errors.New("bad request")
)

// Health reports a fatal indexing error.
type Health interface {
	FatalErr() error
}

type HistorySource interface {
	Get(sh types.ScriptHash) (*cache.Entry, error)
}

type Mempool interface {
	Snapshot() *mempool.Snapshot
	Notify()
}

type Engine struct {
	store   database.Store
	history HistorySource
	mempool Mempool
	client  chain.Client
	health  Health

	mu      sync.Mutex
	readErr error
}

func New(store database.Store, history HistorySource, pool Mempool, client chain.Client, health Health) *Engine {
	return &Engine{store: store, history: history, mempool: pool, client: client, health: health}
}

// check refuses queries once the indexer or a previous read reported the index as broken.
func (e *Engine) check() error {
	if e.health != nil {
		if err := e.health.FatalErr(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, e.readErr)
	}
	return nil
}

// readFailed classifies a store read error. Missing keys map to ErrNotFound,
// everything else marks the index as unavailable for good.
func (e *Engine) readFailed(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	e.mu.Lock()
	if e.readErr == nil {
		e.readErr = err
		logging.L.Error().Err(err).Msg("store read failed, refusing further queries")
	}
	e.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (e *Engine) Tip() (*types.Tip, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	tip, err := database.ReadTip(e.store)
	if err != nil {
		return nil, e.readFailed(err)
	}
	return tip, nil
}

// TipHeader returns the header of the tip block.
func (e *Engine) TipHeader() (*types.BlockHeader, error) {
	tip, err := e.Tip()
	if err != nil {
		return nil, err
	}
	return e.Header(tip.Height)
}

func (e *Engine) Header(height uint32) (*types.BlockHeader, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	h, err := database.HeaderByHeight(e.store, height)
	if err != nil {
		return nil, e.readFailed(err)
	}
	return h, nil
}

func (e *Engine) HeaderByHash(hash *chainhash.Hash) (*types.BlockHeader, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	h, err := database.HeaderByHash(e.store, hash)
	if err != nil {
		return nil, e.readFailed(err)
	}
	return h, nil
}

// BlockTxids lists the txids of the block in block order.
func (e *Engine) BlockTxids(hash *chainhash.Hash) ([]chainhash.Hash, error) {
	header, err := e.HeaderByHash(hash)
	if err != nil {
		return nil, err
	}
	txids, err := database.BlockTxids(e.store, header.Height)
	if err != nil {
		return nil, e.readFailed(err)
	}
	return txids, nil
}

// History returns the confirmed history followed by the unconfirmed one.
func (e *Engine) History(sh types.ScriptHash) ([]types.HistoryItem, error) {
	entry, snap, err := e.sources(sh)
	if err != nil {
		return nil, err
	}
	pending, err := e.pending(snap, &sh)
	if err != nil {
		return nil, err
	}
	mem := mempool.HistoryItems(pending)
	out := make([]types.HistoryItem, 0, len(entry.Items)+len(mem))
	out = append(out, entry.Items...)
	return append(out, mem...), nil
}

// MempoolHistory returns only the unconfirmed part of the history.
func (e *Engine) MempoolHistory(sh types.ScriptHash) ([]types.HistoryItem, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	pending, err := e.pending(e.mempool.Snapshot(), &sh)
	if err != nil {
		return nil, err
	}
	return mempool.HistoryItems(pending), nil
}

// ChainHistory returns up to limit confirmed items of sh, newest first. With
// lastSeen set the page starts after that transaction, an unknown lastSeen
// yields an empty page.
func (e *Engine) ChainHistory(sh types.ScriptHash, lastSeen *chainhash.Hash, limit int) ([]types.HistoryItem, error) {
	entry, _, err := e.sources(sh)
	if err != nil {
		return nil, err
	}
	var out []types.HistoryItem
	skipping := lastSeen != nil
	for i := len(entry.Items) - 1; i >= 0 && len(out) < limit; i-- {
		item := entry.Items[i]
		if skipping {
			skipping = item.Txid != *lastSeen
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Status returns the electrum status of sh, nil for an empty history.
func (e *Engine) Status(sh types.ScriptHash) (*string, error) {
	entry, snap, err := e.sources(sh)
	if err != nil {
		return nil, err
	}
	pending, err := e.pending(snap, &sh)
	if err != nil {
		return nil, err
	}
	h := entry.Hasher()
	h.Add(mempool.HistoryItems(pending)...)
	return h.Sum(), nil
}

// pending returns the mempool transactions of sh not yet in the index. The
// snapshot still lists mined transactions until the next mempool refresh.
func (e *Engine) pending(snap *mempool.Snapshot, sh *types.ScriptHash) ([]*mempool.Tx, error) {
	txs := snap.Txs(sh)
	out := txs[:0:0]
	for _, tx := range txs {
		confirmed, err := database.IsConfirmed(e.store, &tx.Txid)
		if err != nil {
			return nil, e.readFailed(err)
		}
		if !confirmed {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (e *Engine) sources(sh types.ScriptHash) (*cache.Entry, *mempool.Snapshot, error) {
	if err := e.check(); err != nil {
		return nil, nil, err
	}
	entry, err := e.history.Get(sh)
	if err != nil {
		return nil, nil, e.readFailed(err)
	}
	return entry, e.mempool.Snapshot(), nil
}

type Balance struct {
	Confirmed   uint64
	Unconfirmed int64
}

func (e *Engine) Balance(sh types.ScriptHash) (*Balance, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	confirmed, err := e.confirmedUTXOs(sh)
	if err != nil {
		return nil, err
	}
	b := &Balance{}
	for _, u := range confirmed {
		b.Confirmed += u.Value
	}
	pending, err := e.pending(e.mempool.Snapshot(), &sh)
	if err != nil {
		return nil, err
	}
	funded, spent := mempool.Delta(pending, &sh)
	b.Unconfirmed = int64(funded) - int64(spent)
	return b, nil
}

// UTXOs returns the unspent outputs of sh after applying the mempool:
// confirmed ones in (height, pos, vout) order, then unconfirmed ones.
func (e *Engine) UTXOs(sh types.ScriptHash) ([]types.UTXO, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	confirmed, err := e.confirmedUTXOs(sh)
	if err != nil {
		return nil, err
	}
	snap := e.mempool.Snapshot()
	pending, err := e.pending(snap, &sh)
	if err != nil {
		return nil, err
	}

	out := make([]types.UTXO, 0, len(confirmed))
	for _, u := range confirmed {
		if _, spent := snap.SpentBy(types.Outpoint{Txid: u.Txid, Vout: u.Vout}); spent {
			continue
		}
		out = append(out, u)
	}
	return append(out, snap.FundingOf(pending, &sh)...), nil
}

// confirmedUTXOs reads funding minus spending entries of sh from one snapshot.
func (e *Engine) confirmedUTXOs(sh types.ScriptHash) ([]types.UTXO, error) {
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, e.readFailed(err)
	}
	defer snap.Close()

	funding, err := database.FundingEntries(snap, &sh)
	if err != nil {
		return nil, e.readFailed(err)
	}
	spending, err := database.SpendingEntries(snap, &sh)
	if err != nil {
		return nil, e.readFailed(err)
	}

	spent := make(map[types.Outpoint]struct{}, len(spending))
	for _, s := range spending {
		spent[types.Outpoint{Txid: s.PrevTxid, Vout: s.PrevVout}] = struct{}{}
	}
	var out []types.UTXO
	for _, f := range funding {
		if _, ok := spent[types.Outpoint{Txid: f.Txid, Vout: f.Vout}]; ok {
			continue
		}
		out = append(out, types.UTXO{
			Txid:      f.Txid,
			Vout:      f.Vout,
			Height:    int32(f.Height),
			TxPos:     f.TxPos,
			Value:     f.Value,
			Confirmed: true,
		})
	}
	return out, nil
}

// Transaction returns the raw transaction from the index, falling back to the mempool.
func (e *Engine) Transaction(txid *chainhash.Hash) (*types.Transaction, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	raw, err := database.RawTx(e.store, txid)
	switch {
	case err == nil:
		height, _, err := database.TxConf(e.store, txid)
		if err != nil {
			return nil, e.readFailed(err)
		}
		return &types.Transaction{Txid: *txid, Raw: raw, Height: &height}, nil
	case !errors.Is(err, database.ErrNotFound):
		return nil, e.readFailed(err)
	}

	if tx, ok := e.mempool.Snapshot().Tx(txid); ok {
		return &types.Transaction{Txid: *txid, Raw: tx.Raw}, nil
	}
	return nil, fmt.Errorf("transaction %s: %w", txid, ErrNotFound)
}

// MsgTx decodes Transaction.
func (e *Engine) MsgTx(txid *chainhash.Hash) (*wire.MsgTx, *types.Transaction, error) {
	tx, err := e.Transaction(txid)
	if err != nil {
		return nil, nil, err
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(tx.Raw)); err != nil {
		return nil, nil, e.readFailed(fmt.Errorf("%w: %w", database.ErrCorrupt, err))
	}
	return &msg, tx, nil
}

// Broadcast relays tx to the node and asks the mempool tracker to pick it up.
func (e *Engine) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	txid, err := e.client.SendRawTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	logging.L.Info().Str("txid", txid.String()).Msg("broadcast transaction")
	e.mempool.Notify()
	return txid, nil
}

// EstimateFee returns the fee rate in BTC/kvB for confirmation within target
// blocks, -1 when the node has no estimate.
func (e *Engine) EstimateFee(ctx context.Context, target uint32) (float64, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	rate, ok, err := e.client.EstimateSmartFee(ctx, target)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	return rate, nil
}

// FeeTargets are the confirmation targets reported by FeeEstimates.
var FeeTargets = []uint32{1, 2, 3, 4, 5, 6, 8, 10, 12, 15, 20, 25, 144, 504, 1008}

// FeeEstimates returns sat/vB rates per confirmation target, targets without
// an estimate are left out.
func (e *Engine) FeeEstimates(ctx context.Context) (map[uint32]float64, error) {
	out := make(map[uint32]float64, len(FeeTargets))
	for _, target := range FeeTargets {
		rate, err := e.EstimateFee(ctx, target)
		if err != nil {
			return nil, err
		}
		if rate < 0 {
			continue
		}
		// BTC/kvB to sat/vB
		out[target] = rate * 1e8 / 1000
	}
	return out, nil
}

func (e *Engine) MempoolStats() (mempool.Stats, error) {
	if err := e.check(); err != nil {
		return mempool.Stats{}, err
	}
	return e.mempool.Snapshot().Stats(), nil
}

func (e *Engine) MempoolTxids() ([]chainhash.Hash, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.mempool.Snapshot().Txids(), nil
}

func (e *Engine) MempoolRecent() ([]*mempool.Tx, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.mempool.Snapshot().Recent(), nil
}
