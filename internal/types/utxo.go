package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Unconfirmed heights as reported to clients: 0 when every input is
// confirmed, -1 when the transaction spends another mempool transaction.
const (
	HeightMempool        int32 = 0
	HeightMempoolParents int32 = -1
)

// FundingEntry is an output paying to ScriptHash.
type FundingEntry struct {
	ScriptHash ScriptHash
	Height     uint32
	TxPos      uint32
	Txid       chainhash.Hash
	Vout       uint32
	Value      uint64
}

// SpendingEntry is an input spending a FundingEntry of ScriptHash.
type SpendingEntry struct {
	ScriptHash ScriptHash
	Height     uint32
	TxPos      uint32
	Txid       chainhash.Hash
	Vin        uint32
	PrevTxid   chainhash.Hash
	PrevVout   uint32
	Value      uint64
}

// HistoryItem is one transaction in a script's history. Confirmed items
// carry the block height and in-block position; unconfirmed items carry
// HeightMempool or HeightMempoolParents and optionally the fee.
type HistoryItem struct {
	Txid      chainhash.Hash
	Height    int32
	TxPos     uint32
	Fee       uint64
	Confirmed bool
}

// UTXO is an unspent output of a script. Unconfirmed outputs carry HeightMempool.
type UTXO struct {
	Txid      chainhash.Hash
	Vout      uint32
	Height    int32
	TxPos     uint32
	Value     uint64
	Confirmed bool
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// Transaction is a raw transaction and its confirming height if any.
type Transaction struct {
	Txid   chainhash.Hash
	Raw    []byte
	Height *uint32
}
