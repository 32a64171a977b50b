package database

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// ReadTip returns ErrNotFound on an empty store.
func ReadTip(r Reader) (*types.Tip, error) {
	v, err := r.Get(KeyTip())
	if err != nil {
		return nil, err
	}
	return ParseTip(v)
}

func HeaderByHeight(r Reader, height uint32) (*types.BlockHeader, error) {
	v, err := r.Get(KeyHeaderByHeight(height))
	if err != nil {
		return nil, err
	}
	return ParseHeaderValue(v, height)
}

func HeightByHash(r Reader, hash *chainhash.Hash) (uint32, error) {
	v, err := r.Get(KeyHeaderByHash(hash))
	if err != nil {
		return 0, err
	}
	return ParseHeight(v)
}

func HeaderByHash(r Reader, hash *chainhash.Hash) (*types.BlockHeader, error) {
	height, err := HeightByHash(r, hash)
	if err != nil {
		return nil, err
	}
	return HeaderByHeight(r, height)
}

// FundingEntries returns all outputs paying to sh in (height, pos, vout) order.
func FundingEntries(r Reader, sh *types.ScriptHash) ([]types.FundingEntry, error) {
	it := r.Scan(PrefixFunding(sh))
	defer it.Close()

	var out []types.FundingEntry
	for it.Next() {
		e, err := ParseFunding(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, it.Err()
}

// SpendingEntries returns all inputs spending outputs of sh in (height, pos, vin) order.
func SpendingEntries(r Reader, sh *types.ScriptHash) ([]types.SpendingEntry, error) {
	it := r.Scan(PrefixSpending(sh))
	defer it.Close()

	var out []types.SpendingEntry
	for it.Next() {
		e, err := ParseSpending(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, it.Err()
}

func Outpoint(r Reader, txid *chainhash.Hash, vout uint32) (*OutpointInfo, error) {
	v, err := r.Get(KeyOutpoint(txid, vout))
	if err != nil {
		return nil, err
	}
	return ParseOutpointValue(v)
}

// Outpoints returns the indexed outputs of txid keyed by vout.
func Outpoints(r Reader, txid *chainhash.Hash) (map[uint32]*OutpointInfo, error) {
	it := r.Scan(PrefixOutpoints(txid))
	defer it.Close()

	out := make(map[uint32]*OutpointInfo)
	for it.Next() {
		k := it.Key()
		if len(k) != 1+SizeTxid+SizeVout {
			return nil, corrupt("outpoint key", k)
		}
		info, err := ParseOutpointValue(it.Value())
		if err != nil {
			return nil, err
		}
		out[binary.BigEndian.Uint32(k[1+SizeTxid:])] = info
	}
	return out, it.Err()
}

// Spender returns ErrNotFound for unspent outpoints.
func Spender(r Reader, txid *chainhash.Hash, vout uint32) (*SpenderInfo, error) {
	v, err := r.Get(KeySpender(txid, vout))
	if err != nil {
		return nil, err
	}
	return ParseSpenderValue(v)
}

func RawTx(r Reader, txid *chainhash.Hash) ([]byte, error) {
	v, err := r.Get(KeyRawTx(txid))
	if err != nil {
		return nil, err
	}
	return DecompressTx(v)
}

func TxConf(r Reader, txid *chainhash.Hash) (height, pos uint32, err error) {
	v, err := r.Get(KeyTxConf(txid))
	if err != nil {
		return 0, 0, err
	}
	return ParseTxConf(v)
}

// IsConfirmed reports whether txid is part of the indexed chain.
func IsConfirmed(r Reader, txid *chainhash.Hash) (bool, error) {
	_, err := r.Get(KeyTxConf(txid))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func BlockTxids(r Reader, height uint32) ([]chainhash.Hash, error) {
	it := r.Scan(PrefixBlockTxids(height))
	defer it.Close()

	var out []chainhash.Hash
	for it.Next() {
		v := it.Value()
		if len(v) != SizeTxid {
			return nil, corrupt("block txid", v)
		}
		out = append(out, chainhash.Hash(v))
	}
	return out, it.Err()
}

func ReadUndo(r Reader, height uint32) (*UndoLog, error) {
	v, err := r.Get(KeyUndo(height))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("undo log for height %d: %w", height, err)
		}
		return nil, err
	}
	return DecodeUndoLog(height, v)
}

// UndoHeights lists the heights up to and including upTo that still have an undo log, ascending.
func UndoHeights(r Reader, upTo uint32) ([]uint32, error) {
	it := r.Scan([]byte{KUndo})
	defer it.Close()

	var out []uint32
	for it.Next() {
		k := it.Key()
		if len(k) != 1+SizeHeight {
			return nil, corrupt("undo key", k)
		}
		h := binary.BigEndian.Uint32(k[1:])
		if h > upTo {
			break
		}
		out = append(out, h)
	}
	return out, it.Err()
}
