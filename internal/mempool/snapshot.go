package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// Output is a mempool output paying to a script.
type Output struct {
	Vout       uint32
	ScriptHash types.ScriptHash
	Value      uint64
}

// Input is a mempool input. Known is false when the spent output is neither
// indexed nor in the mempool, the input then carries only Prev.
type Input struct {
	Vin        uint32
	Prev       types.Outpoint
	ScriptHash types.ScriptHash
	Value      uint64
	Known      bool
	// Mempool is true when Prev is an output of another mempool transaction.
	Mempool bool
}

// Tx is an unconfirmed transaction resolved against the index and the rest of the mempool.
type Tx struct {
	Txid     chainhash.Hash
	Raw      []byte
	Msg      *wire.MsgTx
	VSize    int64
	Fee      uint64
	FeeKnown bool
	Inputs   []Input
	Outputs  []Output
}

// Height is the electrum height of the transaction.
func (tx *Tx) Height() int32 {
	for _, in := range tx.Inputs {
		if in.Mempool {
			return types.HeightMempoolParents
		}
	}
	return types.HeightMempool
}

// FeeRate in sat/vB, 0 when the fee is unknown.
func (tx *Tx) FeeRate() float64 {
	if !tx.FeeKnown || tx.VSize == 0 {
		return 0
	}
	return float64(tx.Fee) / float64(tx.VSize)
}

func (tx *Tx) scripts() []types.ScriptHash {
	seen := make(map[types.ScriptHash]struct{})
	var out []types.ScriptHash
	add := func(sh types.ScriptHash) {
		if _, ok := seen[sh]; !ok {
			seen[sh] = struct{}{}
			out = append(out, sh)
		}
	}
	for _, in := range tx.Inputs {
		if in.Known {
			add(in.ScriptHash)
		}
	}
	for _, o := range tx.Outputs {
		add(o.ScriptHash)
	}
	return out
}

// Stats summarises the mempool backlog.
type Stats struct {
	Count    int
	VSize    int64
	TotalFee uint64
	// FeeHistogram lists [fee rate, vsize] bins, highest fee rate first.
	FeeHistogram [][2]float64
}

// Snapshot is one complete immutable view of the mempool.
type Snapshot struct {
	txs      map[chainhash.Hash]*Tx
	byScript map[types.ScriptHash][]*Tx
	spends   map[types.Outpoint]chainhash.Hash
	stats    Stats
	recent   []*Tx
}

func emptySnapshot() *Snapshot {
	return newSnapshot(nil, nil)
}

func newSnapshot(txs []*Tx, recent []*Tx) *Snapshot {
	s := &Snapshot{
		txs:      make(map[chainhash.Hash]*Tx, len(txs)),
		byScript: make(map[types.ScriptHash][]*Tx),
		spends:   make(map[types.Outpoint]chainhash.Hash),
		recent:   recent,
	}
	for _, tx := range txs {
		s.txs[tx.Txid] = tx
		for _, sh := range tx.scripts() {
			s.byScript[sh] = append(s.byScript[sh], tx)
		}
		for _, in := range tx.Inputs {
			s.spends[in.Prev] = tx.Txid
		}
		s.stats.Count++
		s.stats.VSize += tx.VSize
		s.stats.TotalFee += tx.Fee
	}
	for _, list := range s.byScript {
		sortTxs(list)
	}
	s.stats.FeeHistogram = feeHistogram(txs)
	return s
}

// sortTxs orders unconfirmed transactions the way they are listed to
// clients: height 0 before -1, then by txid.
func sortTxs(list []*Tx) {
	sort.Slice(list, func(i, j int) bool {
		hi, hj := list[i].Height(), list[j].Height()
		if hi != hj {
			return hi > hj
		}
		return list[i].Txid.String() < list[j].Txid.String()
	})
}

// binVSize is the vsize per histogram bin, as electrs does.
const binVSize = 100_000

func feeHistogram(txs []*Tx) [][2]float64 {
	sorted := make([]*Tx, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FeeRate() > sorted[j].FeeRate() })

	hist := [][2]float64{}
	var binSize int64
	for i, tx := range sorted {
		binSize += tx.VSize
		last := i == len(sorted)-1
		if binSize >= binVSize || last {
			hist = append(hist, [2]float64{tx.FeeRate(), float64(binSize)})
			binSize = 0
		}
	}
	return hist
}

func (s *Snapshot) Len() int { return len(s.txs) }

func (s *Snapshot) Tx(txid *chainhash.Hash) (*Tx, bool) {
	tx, ok := s.txs[*txid]
	return tx, ok
}

// Txids returns all tracked txids in hex order.
func (s *Snapshot) Txids() []chainhash.Hash {
	out := make([]chainhash.Hash, 0, len(s.txs))
	for txid := range s.txs {
		out = append(out, txid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Txs returns the transactions touching sh in client order.
func (s *Snapshot) Txs(sh *types.ScriptHash) []*Tx {
	return s.byScript[*sh]
}

// History returns the unconfirmed history items of sh.
func (s *Snapshot) History(sh *types.ScriptHash) []types.HistoryItem {
	return HistoryItems(s.byScript[*sh])
}

// SpentBy returns the mempool transaction spending op.
func (s *Snapshot) SpentBy(op types.Outpoint) (chainhash.Hash, bool) {
	txid, ok := s.spends[op]
	return txid, ok
}

// Funding returns the mempool outputs of sh that no other mempool transaction spends.
func (s *Snapshot) Funding(sh *types.ScriptHash) []types.UTXO {
	return s.FundingOf(s.byScript[*sh], sh)
}

// FundingOf is Funding restricted to txs.
func (s *Snapshot) FundingOf(txs []*Tx, sh *types.ScriptHash) []types.UTXO {
	var out []types.UTXO
	for _, tx := range txs {
		for _, o := range tx.Outputs {
			if o.ScriptHash != *sh {
				continue
			}
			if _, spent := s.spends[types.Outpoint{Txid: tx.Txid, Vout: o.Vout}]; spent {
				continue
			}
			out = append(out, types.UTXO{Txid: tx.Txid, Vout: o.Vout, Height: types.HeightMempool, Value: o.Value})
		}
	}
	return out
}

// Delta returns the value paid to sh and the value of sh's outputs spent by the mempool.
func (s *Snapshot) Delta(sh *types.ScriptHash) (funded, spent uint64) {
	return Delta(s.byScript[*sh], sh)
}

// HistoryItems lists txs as unconfirmed history items, txs must be in client order.
func HistoryItems(txs []*Tx) []types.HistoryItem {
	if len(txs) == 0 {
		return nil
	}
	out := make([]types.HistoryItem, len(txs))
	for i, tx := range txs {
		out[i] = types.HistoryItem{Txid: tx.Txid, Height: tx.Height(), Fee: tx.Fee}
	}
	return out
}

func Delta(txs []*Tx, sh *types.ScriptHash) (funded, spent uint64) {
	for _, tx := range txs {
		for _, o := range tx.Outputs {
			if o.ScriptHash == *sh {
				funded += o.Value
			}
		}
		for _, in := range tx.Inputs {
			if in.Known && in.ScriptHash == *sh {
				spent += in.Value
			}
		}
	}
	return funded, spent
}

func (s *Snapshot) Stats() Stats { return s.stats }

// Recent returns the most recently added transactions, newest first.
func (s *Snapshot) Recent() []*Tx { return s.recent }
