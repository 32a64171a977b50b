package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed bool
	Height    uint32
	BlockHash chainhash.Hash
	BlockTime time.Time
}

func (e *Engine) TxStatus(txid *chainhash.Hash) (*TxStatus, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	height, _, err := database.TxConf(e.store, txid)
	if err == nil {
		header, err := database.HeaderByHeight(e.store, height)
		if err != nil {
			return nil, e.readFailed(err)
		}
		return &TxStatus{Confirmed: true, Height: height, BlockHash: header.Hash, BlockTime: header.Timestamp}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, e.readFailed(err)
	}
	if _, ok := e.mempool.Snapshot().Tx(txid); ok {
		return &TxStatus{}, nil
	}
	return nil, fmt.Errorf("transaction %s: %w", txid, ErrNotFound)
}

// Outspend tells whether an output is spent and by which transaction.
type Outspend struct {
	Spent  bool
	Txid   chainhash.Hash
	Vin    uint32
	Status *TxStatus
}

func (e *Engine) Outspend(txid *chainhash.Hash, vout uint32) (*Outspend, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	spender, err := database.Spender(e.store, txid, vout)
	if err == nil {
		header, err := database.HeaderByHeight(e.store, spender.Height)
		if err != nil {
			return nil, e.readFailed(err)
		}
		return &Outspend{
			Spent: true,
			Txid:  spender.Txid,
			Vin:   spender.Vin,
			Status: &TxStatus{
				Confirmed: true,
				Height:    spender.Height,
				BlockHash: header.Hash,
				BlockTime: header.Timestamp,
			},
		}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, e.readFailed(err)
	}

	snap := e.mempool.Snapshot()
	if spendTxid, ok := snap.SpentBy(types.Outpoint{Txid: *txid, Vout: vout}); ok {
		out := &Outspend{Spent: true, Txid: spendTxid, Status: &TxStatus{}}
		if tx, ok := snap.Tx(&spendTxid); ok {
			for _, in := range tx.Inputs {
				if in.Prev.Txid == *txid && in.Prev.Vout == vout {
					out.Vin = in.Vin
				}
			}
		}
		return out, nil
	}
	return &Outspend{}, nil
}

// Outspends reports the spend status of every output of txid.
func (e *Engine) Outspends(txid *chainhash.Hash) ([]*Outspend, error) {
	msg, _, err := e.MsgTx(txid)
	if err != nil {
		return nil, err
	}
	out := make([]*Outspend, len(msg.TxOut))
	for vout := range msg.TxOut {
		if out[vout], err = e.Outspend(txid, uint32(vout)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ScriptStats are the chain and mempool aggregates of a script.
type ScriptStats struct {
	ChainFunded, ChainSpent     Totals
	MempoolFunded, MempoolSpent Totals
	ChainTxs, MempoolTxs        int
}

type Totals struct {
	Count int
	Sum   uint64
}

func (e *Engine) Stats(sh types.ScriptHash) (*ScriptStats, error) {
	entry, snap, err := e.sources(sh)
	if err != nil {
		return nil, err
	}
	funding, err := database.FundingEntries(e.store, &sh)
	if err != nil {
		return nil, e.readFailed(err)
	}
	spending, err := database.SpendingEntries(e.store, &sh)
	if err != nil {
		return nil, e.readFailed(err)
	}

	st := &ScriptStats{ChainTxs: len(entry.Items)}
	for _, f := range funding {
		st.ChainFunded.Count++
		st.ChainFunded.Sum += f.Value
	}
	for _, s := range spending {
		st.ChainSpent.Count++
		st.ChainSpent.Sum += s.Value
	}
	pending, err := e.pending(snap, &sh)
	if err != nil {
		return nil, err
	}
	for _, tx := range pending {
		st.MempoolTxs++
		for _, o := range tx.Outputs {
			if o.ScriptHash == sh {
				st.MempoolFunded.Count++
				st.MempoolFunded.Sum += o.Value
			}
		}
		for _, in := range tx.Inputs {
			if in.Known && in.ScriptHash == sh {
				st.MempoolSpent.Count++
				st.MempoolSpent.Sum += in.Value
			}
		}
	}
	return st, nil
}
