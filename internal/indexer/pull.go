package indexer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/setavenger/blindbit-electrum/pkg/workerpool"
)

// pullBlock fetches the block at height from the node and parses it.
// It returns chain.ErrNotFound once height is above the node's tip.
func (ix *Indexer) pullBlock(ctx context.Context, height uint32) (*Block, error) {
	blockhash, err := ix.client.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	msg, err := ix.client.GetBlock(ctx, blockhash)
	if err != nil {
		logging.L.Err(err).Uint32("height", height).Str("blockhash", blockhash.String()).Msg("failed to pull block")
		return nil, err
	}
	ix.contact()

	if got := msg.BlockHash(); got != *blockhash {
		return nil, fmt.Errorf("node returned block %s for %s", got, blockhash)
	}
	logging.L.Trace().
		Uint32("height", height).
		Str("blockhash", blockhash.String()).
		Int("txs", len(msg.Transactions)).
		Msg("pulled block")

	return ParseBlock(ctx, ix.cfg.ParseWorkers, msg, height)
}

// ParseBlock hashes and serialises the transactions of msg on a worker pool
// scoped to this block only.
func ParseBlock(ctx context.Context, workers int, msg *wire.MsgBlock, height uint32) (*Block, error) {
	header, err := types.NewBlockHeader(&msg.Header, height)
	if err != nil {
		return nil, err
	}

	txs, err := workerpool.Map(ctx, workers, msg.Transactions, func(_ context.Context, tx *wire.MsgTx) (*Transaction, error) {
		return parseTx(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("parse block %s: %w", header.Hash, err)
	}

	return &Block{
		Height:   height,
		Hash:     header.Hash,
		PrevHash: header.PrevHash,
		Header:   header,
		txs:      txs,
	}, nil
}

func parseTx(tx *wire.MsgTx) (*Transaction, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	t := &Transaction{
		txid:     tx.TxHash(),
		raw:      buf.Bytes(),
		coinbase: blockchain.IsCoinBaseTx(tx),
		outs:     make([]*Vout, len(tx.TxOut)),
	}

	if !t.coinbase {
		t.ins = make([]*Vin, len(tx.TxIn))
		for i, in := range tx.TxIn {
			t.ins[i] = &Vin{
				prevTxid: in.PreviousOutPoint.Hash,
				prevVout: in.PreviousOutPoint.Index,
			}
		}
	}

	for i, out := range tx.TxOut {
		// provably unspendable outputs never show up in any history
		if txscript.IsUnspendable(out.PkScript) {
			continue
		}
		t.outs[i] = &Vout{
			scriptHash: types.NewScriptHash(out.PkScript),
			value:      uint64(out.Value),
		}
	}
	return t, nil
}

func (t *Transaction) Txid() chainhash.Hash { return t.txid }
