package indexer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// ErrFatal wraps every error after which the index can no longer be trusted.
// Indexing halts and queries are refused.
var ErrFatal = errors.New("fatal index error")

// errUnresolvedInput means an input spends an output the index has never seen.
var errUnresolvedInput = errors.New("unresolved input")

func fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

type State int32

const (
	Syncing State = iota
	Synced
	Reorging
	Fatal
)

func (s State) String() string {
	switch s {
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Reorging:
		return "reorging"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the indexer for health reporting.
type Status struct {
	State   State
	Tip     *types.Tip
	Stalled bool
	Err     error
}

// Block is a fetched block with its parsed transactions in block order.
type Block struct {
	Height   uint32
	Hash     chainhash.Hash
	PrevHash chainhash.Hash
	Header   *types.BlockHeader
	txs      []*Transaction
}

// Transaction holds what the index stores about a block transaction.
type Transaction struct {
	txid     chainhash.Hash
	raw      []byte
	coinbase bool
	ins      []*Vin
	outs     []*Vout
}

type Vin struct {
	prevTxid chainhash.Hash
	prevVout uint32
}

type Vout struct {
	scriptHash types.ScriptHash
	value      uint64
}
