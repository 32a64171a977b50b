// mempool tracks the node's unconfirmed transactions. Nothing is persisted,
// every refresh swaps in one complete snapshot.
package mempool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/clock"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/setavenger/blindbit-electrum/pkg/workerpool"
)

const recentCount = 10

type Config struct {
	FetchWorkers int
	Interval     time.Duration
}

// parsed is the part of a transaction that does not depend on the rest of the mempool.
type parsed struct {
	txid    chainhash.Hash
	raw     []byte
	msg     *wire.MsgTx
	vsize   int64
	outputs []Output
}

type Tracker struct {
	cfg    Config
	store  database.Store
	client chain.Client
	bus    events.Bus

	snap atomic.Pointer[Snapshot]

	// refreshMu serialises refreshes, parsedTxs is only touched while holding it
	refreshMu sync.Mutex
	parsedTxs map[chainhash.Hash]*parsed
	recent    []*Tx

	kick chan struct{}
}

func New(cfg Config, store database.Store, client chain.Client, bus events.Bus) *Tracker {
	if cfg.FetchWorkers < 1 {
		cfg.FetchWorkers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	t := &Tracker{
		cfg:       cfg,
		store:     store,
		client:    client,
		bus:       bus,
		parsedTxs: make(map[chainhash.Hash]*parsed),
		kick:      make(chan struct{}, 1),
	}
	t.snap.Store(emptySnapshot())
	return t
}

// Snapshot returns the current view. It is never nil.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Notify asks the run loop for an immediate refresh.
func (t *Tracker) Notify() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run refreshes every interval until ctx is done. Failures keep the previous snapshot.
func (t *Tracker) Run(ctx context.Context) error {
	return clock.Every(ctx, t.cfg.Interval, t.kick, func(ctx context.Context) error {
		if err := t.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.L.Warn().Err(err).Msg("mempool refresh failed")
		}
		return nil
	})
}

// Refresh diffs the node's mempool against the tracked set, fetches new
// transactions and publishes a new snapshot.
func (t *Tracker) Refresh(ctx context.Context) (err error) {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	started := time.Now()
	count := 0
	defer func() { metrics.ObserveMempoolRefresh(err, count, started) }()

	txids, err := t.client.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("get raw mempool: %w", err)
	}

	current := make(map[chainhash.Hash]struct{}, len(txids))
	var missing []chainhash.Hash
	for _, txid := range txids {
		current[txid] = struct{}{}
		if _, ok := t.parsedTxs[txid]; !ok {
			missing = append(missing, txid)
		}
	}

	fetched, err := workerpool.Map(ctx, t.cfg.FetchWorkers, missing, func(ctx context.Context, txid chainhash.Hash) (*parsed, error) {
		msg, err := t.client.GetRawTransaction(ctx, &txid)
		if errors.Is(err, chain.ErrNotFound) {
			// left the mempool since the listing
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return parseTx(msg)
	})
	if err != nil {
		return err
	}

	next := make(map[chainhash.Hash]*parsed, len(current))
	for txid := range current {
		if p, ok := t.parsedTxs[txid]; ok {
			next[txid] = p
		}
	}
	var added []chainhash.Hash
	for _, p := range fetched {
		if p == nil {
			continue
		}
		if _, listed := current[p.txid]; !listed {
			continue
		}
		next[p.txid] = p
		added = append(added, p.txid)
	}

	snap, err := t.store.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	// confirmed by a block the indexer already applied
	for txid := range next {
		confirmed, err := database.IsConfirmed(snap, &txid)
		if err != nil {
			return err
		}
		if confirmed {
			delete(next, txid)
		}
	}

	txs := make([]*Tx, 0, len(next))
	resolved := make(map[chainhash.Hash]*Tx, len(next))
	for _, p := range next {
		tx, err := resolve(snap, p, next)
		if err != nil {
			return err
		}
		txs = append(txs, tx)
		resolved[p.txid] = tx
	}

	for i := len(added) - 1; i >= 0; i-- {
		if tx, ok := resolved[added[i]]; ok {
			t.recent = append([]*Tx{tx}, t.recent...)
		}
	}
	recent := t.recent[:0:0]
	for _, tx := range t.recent {
		if _, ok := resolved[tx.Txid]; ok && len(recent) < recentCount {
			recent = append(recent, resolved[tx.Txid])
		}
	}
	t.recent = recent

	old := t.snap.Load()
	fresh := newSnapshot(txs, recent)
	touched := diff(old, fresh)

	t.parsedTxs = next
	t.snap.Store(fresh)
	count = fresh.Len()

	logging.L.Debug().
		Int("txs", count).
		Int("added", len(added)).
		Int("touched", len(touched)).
		Dur("took", time.Since(started)).
		Msg("mempool refreshed")

	if t.bus != nil && len(touched) > 0 {
		t.bus.Publish(events.TopicMempool, events.MempoolEvent{Touched: touched, Count: count})
	}
	return nil
}

func parseTx(msg *wire.MsgTx) (*parsed, error) {
	var buf bytes.Buffer
	buf.Grow(msg.SerializeSize())
	if err := msg.Serialize(&buf); err != nil {
		return nil, err
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(msg))
	p := &parsed{
		txid:  msg.TxHash(),
		raw:   buf.Bytes(),
		msg:   msg,
		vsize: (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor,
	}
	for vout, out := range msg.TxOut {
		if txscript.IsUnspendable(out.PkScript) {
			continue
		}
		p.outputs = append(p.outputs, Output{
			Vout:       uint32(vout),
			ScriptHash: types.NewScriptHash(out.PkScript),
			Value:      uint64(out.Value),
		})
	}
	return p, nil
}

// resolve looks up the outputs p spends, first among the other mempool
// transactions and then in the index.
func resolve(r database.Reader, p *parsed, pool map[chainhash.Hash]*parsed) (*Tx, error) {
	tx := &Tx{
		Txid:     p.txid,
		Raw:      p.raw,
		Msg:      p.msg,
		VSize:    p.vsize,
		Outputs:  p.outputs,
		Inputs:   make([]Input, len(p.msg.TxIn)),
		FeeKnown: true,
	}

	var in, out uint64
	for _, o := range p.msg.TxOut {
		out += uint64(o.Value)
	}

	for vin, txIn := range p.msg.TxIn {
		prev := types.Outpoint{Txid: txIn.PreviousOutPoint.Hash, Vout: txIn.PreviousOutPoint.Index}
		input := Input{Vin: uint32(vin), Prev: prev}

		if parent, ok := pool[prev.Txid]; ok {
			input.Mempool = true
			if int(prev.Vout) < len(parent.msg.TxOut) {
				o := parent.msg.TxOut[prev.Vout]
				input.Known = true
				input.ScriptHash = types.NewScriptHash(o.PkScript)
				input.Value = uint64(o.Value)
			}
		} else {
			info, err := database.Outpoint(r, &prev.Txid, prev.Vout)
			switch {
			case err == nil:
				input.Known = true
				input.ScriptHash = info.ScriptHash
				input.Value = info.Value
			case errors.Is(err, database.ErrNotFound):
				// spends an output we have not indexed yet
			default:
				return nil, err
			}
		}

		if input.Known {
			in += input.Value
		} else {
			tx.FeeKnown = false
		}
		tx.Inputs[vin] = input
	}

	if tx.FeeKnown && in >= out {
		tx.Fee = in - out
	} else {
		tx.FeeKnown = false
	}
	return tx, nil
}

// diff returns the scripts whose unconfirmed history differs between two snapshots.
func diff(old, fresh *Snapshot) []types.ScriptHash {
	seen := make(map[types.ScriptHash]struct{})
	var out []types.ScriptHash
	mark := func(tx *Tx) {
		for _, sh := range tx.scripts() {
			if _, ok := seen[sh]; !ok {
				seen[sh] = struct{}{}
				out = append(out, sh)
			}
		}
	}
	for txid, tx := range old.txs {
		if ntx, ok := fresh.txs[txid]; !ok || ntx.Height() != tx.Height() || ntx.Fee != tx.Fee {
			mark(tx)
		}
	}
	for txid, tx := range fresh.txs {
		if otx, ok := old.txs[txid]; !ok || otx.Height() != tx.Height() || otx.Fee != tx.Fee {
			mark(tx)
		}
	}
	return out
}
