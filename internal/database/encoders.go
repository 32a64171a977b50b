package database

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

func be32(u uint32, b []byte) { binary.BigEndian.PutUint32(b, u) }
func be64(u uint64, b []byte) { binary.BigEndian.PutUint64(b, u) }

func corrupt(what string, v []byte) error {
	return fmt.Errorf("%w: bad %s length %d", ErrCorrupt, what, len(v))
}

// ---------------- Keys ----------------

func KeyHeaderByHeight(height uint32) []byte {
	k := make([]byte, 1+SizeHeight)
	k[0] = KHeaderByHeight
	be32(height, k[1:])
	return k
}

func KeyHeaderByHash(hash *chainhash.Hash) []byte {
	k := make([]byte, 1+SizeHash)
	k[0] = KHeaderByHash
	copy(k[1:], hash[:])
	return k
}

const sizeEntryKey = 1 + SizeScriptHash + SizeHeight + SizePos + SizeTxid + SizeVout

func entryKey(tag byte, sh *types.ScriptHash, height, pos uint32, txid *chainhash.Hash, idx uint32) []byte {
	k := make([]byte, sizeEntryKey)
	k[0] = tag
	off := 1
	copy(k[off:off+SizeScriptHash], sh[:])
	off += SizeScriptHash
	be32(height, k[off:off+SizeHeight])
	off += SizeHeight
	be32(pos, k[off:off+SizePos])
	off += SizePos
	copy(k[off:off+SizeTxid], txid[:])
	off += SizeTxid
	be32(idx, k[off:])
	return k
}

func KeyFunding(e *types.FundingEntry) []byte {
	return entryKey(KFunding, &e.ScriptHash, e.Height, e.TxPos, &e.Txid, e.Vout)
}

func KeySpending(e *types.SpendingEntry) []byte {
	return entryKey(KSpending, &e.ScriptHash, e.Height, e.TxPos, &e.Txid, e.Vin)
}

func PrefixFunding(sh *types.ScriptHash) []byte {
	k := make([]byte, 1+SizeScriptHash)
	k[0] = KFunding
	copy(k[1:], sh[:])
	return k
}

func PrefixSpending(sh *types.ScriptHash) []byte {
	k := make([]byte, 1+SizeScriptHash)
	k[0] = KSpending
	copy(k[1:], sh[:])
	return k
}

// SeekEntry returns the first entry key of a script at or above height.
func SeekEntry(prefix []byte, height uint32) []byte {
	k := make([]byte, len(prefix)+SizeHeight)
	copy(k, prefix)
	be32(height, k[len(prefix):])
	return k
}

func KeyOutpoint(txid *chainhash.Hash, vout uint32) []byte {
	k := make([]byte, 1+SizeTxid+SizeVout)
	k[0] = KOutpoint
	copy(k[1:1+SizeTxid], txid[:])
	be32(vout, k[1+SizeTxid:])
	return k
}

func PrefixOutpoints(txid *chainhash.Hash) []byte {
	k := make([]byte, 1+SizeTxid)
	k[0] = KOutpoint
	copy(k[1:], txid[:])
	return k
}

func KeySpender(prevTxid *chainhash.Hash, prevVout uint32) []byte {
	k := make([]byte, 1+SizeTxid+SizeVout)
	k[0] = KSpender
	copy(k[1:1+SizeTxid], prevTxid[:])
	be32(prevVout, k[1+SizeTxid:])
	return k
}

func KeyRawTx(txid *chainhash.Hash) []byte {
	k := make([]byte, 1+SizeTxid)
	k[0] = KRawTx
	copy(k[1:], txid[:])
	return k
}

func KeyTxConf(txid *chainhash.Hash) []byte {
	k := make([]byte, 1+SizeTxid)
	k[0] = KTxConf
	copy(k[1:], txid[:])
	return k
}

func KeyBlockTxid(height, pos uint32) []byte {
	k := make([]byte, 1+SizeHeight+SizePos)
	k[0] = KBlockTxid
	be32(height, k[1:1+SizeHeight])
	be32(pos, k[1+SizeHeight:])
	return k
}

func PrefixBlockTxids(height uint32) []byte {
	k := make([]byte, 1+SizeHeight)
	k[0] = KBlockTxid
	be32(height, k[1:])
	return k
}

func KeyUndo(height uint32) []byte {
	k := make([]byte, 1+SizeHeight)
	k[0] = KUndo
	be32(height, k[1:])
	return k
}

func KeyTip() []byte {
	return []byte{KTip}
}

// ---------------- Values ----------------

func ValHeader(h *types.BlockHeader) []byte {
	v := make([]byte, SizeHash+types.SizeRawHeader)
	copy(v[:SizeHash], h.Hash[:])
	copy(v[SizeHash:], h.Raw[:])
	return v
}

func ParseHeaderValue(v []byte, height uint32) (*types.BlockHeader, error) {
	if len(v) != SizeHash+types.SizeRawHeader {
		return nil, corrupt("header", v)
	}
	h, err := types.ParseBlockHeader(v[SizeHash:], height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if h.Hash != chainhash.Hash(v[:SizeHash]) {
		return nil, fmt.Errorf("%w: header hash mismatch at height %d", ErrCorrupt, height)
	}
	return h, nil
}

func ValHeight(height uint32) []byte {
	v := make([]byte, SizeHeight)
	be32(height, v)
	return v
}

func ParseHeight(v []byte) (uint32, error) {
	if len(v) != SizeHeight {
		return 0, corrupt("height", v)
	}
	return binary.BigEndian.Uint32(v), nil
}

func ValAmount(value uint64) []byte {
	v := make([]byte, SizeAmt)
	be64(value, v)
	return v
}

func ParseFunding(k, v []byte) (*types.FundingEntry, error) {
	if len(k) != sizeEntryKey || k[0] != KFunding {
		return nil, corrupt("funding key", k)
	}
	if len(v) != SizeAmt {
		return nil, corrupt("funding value", v)
	}
	e := &types.FundingEntry{Value: binary.BigEndian.Uint64(v)}
	parseEntryKey(k, &e.ScriptHash, &e.Height, &e.TxPos, &e.Txid, &e.Vout)
	return e, nil
}

func ValSpending(e *types.SpendingEntry) []byte {
	v := make([]byte, SizeTxid+SizeVout+SizeAmt)
	copy(v[:SizeTxid], e.PrevTxid[:])
	be32(e.PrevVout, v[SizeTxid:SizeTxid+SizeVout])
	be64(e.Value, v[SizeTxid+SizeVout:])
	return v
}

func ParseSpending(k, v []byte) (*types.SpendingEntry, error) {
	if len(k) != sizeEntryKey || k[0] != KSpending {
		return nil, corrupt("spending key", k)
	}
	if len(v) != SizeTxid+SizeVout+SizeAmt {
		return nil, corrupt("spending value", v)
	}
	e := &types.SpendingEntry{
		PrevTxid: chainhash.Hash(v[:SizeTxid]),
		PrevVout: binary.BigEndian.Uint32(v[SizeTxid : SizeTxid+SizeVout]),
		Value:    binary.BigEndian.Uint64(v[SizeTxid+SizeVout:]),
	}
	parseEntryKey(k, &e.ScriptHash, &e.Height, &e.TxPos, &e.Txid, &e.Vin)
	return e, nil
}

func parseEntryKey(k []byte, sh *types.ScriptHash, height, pos *uint32, txid *chainhash.Hash, idx *uint32) {
	off := 1
	copy(sh[:], k[off:off+SizeScriptHash])
	off += SizeScriptHash
	*height = binary.BigEndian.Uint32(k[off : off+SizeHeight])
	off += SizeHeight
	*pos = binary.BigEndian.Uint32(k[off : off+SizePos])
	off += SizePos
	copy(txid[:], k[off:off+SizeTxid])
	off += SizeTxid
	*idx = binary.BigEndian.Uint32(k[off:])
}

// OutpointInfo is what the store knows about a confirmed output.
type OutpointInfo struct {
	ScriptHash types.ScriptHash
	Height     uint32
	Value      uint64
}

func ValOutpoint(o *OutpointInfo) []byte {
	v := make([]byte, SizeScriptHash+SizeHeight+SizeAmt)
	copy(v[:SizeScriptHash], o.ScriptHash[:])
	be32(o.Height, v[SizeScriptHash:SizeScriptHash+SizeHeight])
	be64(o.Value, v[SizeScriptHash+SizeHeight:])
	return v
}

func ParseOutpointValue(v []byte) (*OutpointInfo, error) {
	if len(v) != SizeScriptHash+SizeHeight+SizeAmt {
		return nil, corrupt("outpoint value", v)
	}
	return &OutpointInfo{
		ScriptHash: types.ScriptHash(v[:SizeScriptHash]),
		Height:     binary.BigEndian.Uint32(v[SizeScriptHash : SizeScriptHash+SizeHeight]),
		Value:      binary.BigEndian.Uint64(v[SizeScriptHash+SizeHeight:]),
	}, nil
}

// SpenderInfo names the confirmed input spending an outpoint.
type SpenderInfo struct {
	Txid   chainhash.Hash
	Vin    uint32
	Height uint32
}

func ValSpender(s *SpenderInfo) []byte {
	v := make([]byte, SizeTxid+SizeVout+SizeHeight)
	copy(v[:SizeTxid], s.Txid[:])
	be32(s.Vin, v[SizeTxid:SizeTxid+SizeVout])
	be32(s.Height, v[SizeTxid+SizeVout:])
	return v
}

func ParseSpenderValue(v []byte) (*SpenderInfo, error) {
	if len(v) != SizeTxid+SizeVout+SizeHeight {
		return nil, corrupt("spender value", v)
	}
	return &SpenderInfo{
		Txid:   chainhash.Hash(v[:SizeTxid]),
		Vin:    binary.BigEndian.Uint32(v[SizeTxid : SizeTxid+SizeVout]),
		Height: binary.BigEndian.Uint32(v[SizeTxid+SizeVout:]),
	}, nil
}

func ValTxConf(height, pos uint32) []byte {
	v := make([]byte, SizeHeight+SizePos)
	be32(height, v[:SizeHeight])
	be32(pos, v[SizeHeight:])
	return v
}

func ParseTxConf(v []byte) (height, pos uint32, err error) {
	if len(v) != SizeHeight+SizePos {
		return 0, 0, corrupt("tx conf", v)
	}
	return binary.BigEndian.Uint32(v[:SizeHeight]), binary.BigEndian.Uint32(v[SizeHeight:]), nil
}

func ValTip(t *types.Tip) []byte {
	v := make([]byte, SizeHeight+SizeHash)
	be32(t.Height, v[:SizeHeight])
	copy(v[SizeHeight:], t.Hash[:])
	return v
}

func ParseTip(v []byte) (*types.Tip, error) {
	if len(v) != SizeHeight+SizeHash {
		return nil, corrupt("tip", v)
	}
	return &types.Tip{
		Height: binary.BigEndian.Uint32(v[:SizeHeight]),
		Hash:   chainhash.Hash(v[SizeHeight:]),
	}, nil
}
