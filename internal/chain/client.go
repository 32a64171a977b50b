// chain is the contract to the full node and its JSON-RPC implementation.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNotFound is returned when the node does not know the requested block height or transaction.
	ErrNotFound = errors.New("not found on node")
	// ErrRejected is returned when the node refuses a broadcast transaction.
	ErrRejected = errors.New("transaction rejected")
)

// Client is everything the indexer, mempool tracker and query engine need from the node.
// Every call must return within a bounded time.
type Client interface {
	GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	// GetBlockHash returns ErrNotFound if the node has no block at height.
	GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	// GetRawTransaction returns ErrNotFound for unknown transactions.
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	// EstimateSmartFee returns the fee rate in BTC/kvB, ok is false when the node has no estimate.
	EstimateSmartFee(ctx context.Context, target uint32) (feeRate float64, ok bool, err error)
}
