// testhelpers provides an in-memory node and block builders for tests.
package testhelpers

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/chain"
)

// Chain is an in-memory chain.Client. Blocks are built on the active tip
// with Mine, Rewind switches to a shorter branch to set up reorgs.
type Chain struct {
	mu      sync.Mutex
	blocks  map[chainhash.Hash]*wire.MsgBlock
	active  []chainhash.Hash
	mempool map[chainhash.Hash]*wire.MsgTx
	fees    map[uint32]float64
	nonce   uint32

	// Err is returned by every call while set
	Err error
	// Broadcasts records accepted transactions
	Broadcasts []*wire.MsgTx
	Calls      int
}

var _ chain.Client = (*Chain)(nil)

func NewChain() *Chain {
	return &Chain{
		blocks:  make(map[chainhash.Hash]*wire.MsgBlock),
		mempool: make(map[chainhash.Hash]*wire.MsgTx),
		fees:    make(map[uint32]float64),
	}
}

func (c *Chain) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

// Mine appends a block with a fresh coinbase paying coinbaseScript followed by txs.
func (c *Chain) Mine(coinbaseScript []byte, coinbaseValue int64, txs ...*wire.MsgTx) *wire.MsgBlock {
	c.mu.Lock()
	defer c.mu.Unlock()

	height := uint32(len(c.active))
	var prev chainhash.Hash
	if height > 0 {
		prev = c.active[height-1]
	}
	c.nonce++

	all := append([]*wire.MsgTx{Coinbase(height, c.nonce, coinbaseScript, coinbaseValue)}, txs...)
	block := NewBlock(prev, c.nonce, all...)
	hash := block.BlockHash()
	c.blocks[hash] = block
	c.active = append(c.active, hash)

	for _, tx := range txs {
		delete(c.mempool, tx.TxHash())
	}
	return block
}

// Rewind drops the active blocks above height, they stay known by hash.
func (c *Chain) Rewind(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = c.active[:height+1]
}

func (c *Chain) Height() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(len(c.active) - 1)
}

func (c *Chain) HashAt(height uint32) chainhash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[height]
}

func (c *Chain) AddMempool(txs ...*wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range txs {
		c.mempool[tx.TxHash()] = tx
	}
}

func (c *Chain) RemoveMempool(txids ...chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, txid := range txids {
		delete(c.mempool, txid)
	}
}

func (c *Chain) SetFee(target uint32, btcPerKvB float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fees[target] = btcPerKvB
}

func (c *Chain) enter() error {
	c.Calls++
	return c.Err
}

func (c *Chain) GetBestBlockHash(_ context.Context) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if len(c.active) == 0 {
		return nil, fmt.Errorf("empty chain: %w", chain.ErrNotFound)
	}
	h := c.active[len(c.active)-1]
	return &h, nil
}

func (c *Chain) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	b, ok := c.blocks[*hash]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return b, nil
}

func (c *Chain) GetBlockHash(_ context.Context, height uint32) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if int(height) >= len(c.active) {
		return nil, chain.ErrNotFound
	}
	h := c.active[height]
	return &h, nil
}

func (c *Chain) GetRawMempool(_ context.Context) ([]chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, 0, len(c.mempool))
	for txid := range c.mempool {
		out = append(out, txid)
	}
	return out, nil
}

func (c *Chain) GetRawTransaction(_ context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if tx, ok := c.mempool[*txid]; ok {
		return tx, nil
	}
	for _, h := range c.active {
		for _, tx := range c.blocks[h].Transactions {
			if tx.TxHash() == *txid {
				return tx, nil
			}
		}
	}
	return nil, chain.ErrNotFound
}

func (c *Chain) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if len(tx.TxIn) == 0 {
		return nil, fmt.Errorf("%w: no inputs", chain.ErrRejected)
	}
	txid := tx.TxHash()
	c.mempool[txid] = tx
	c.Broadcasts = append(c.Broadcasts, tx)
	return &txid, nil
}

func (c *Chain) EstimateSmartFee(_ context.Context, target uint32) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return 0, false, err
	}
	rate, ok := c.fees[target]
	return rate, ok, nil
}

// ---------------- builders ----------------

// Script returns a distinct P2WSH style output script for n.
func Script(n byte) []byte {
	s := make([]byte, 34)
	s[0] = 0x00
	s[1] = 0x20
	for i := 2; i < len(s); i++ {
		s[i] = n
	}
	return s
}

// Coinbase builds a coinbase for height. tag makes it unique across branches.
func Coinbase(height, tag uint32, script []byte, value int64) *wire.MsgTx {
	sigScript := make([]byte, 8)
	binary.LittleEndian.PutUint32(sigScript[:4], height)
	binary.LittleEndian.PutUint32(sigScript[4:], tag)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

type Out struct {
	Script []byte
	Value  int64
}

// Spend builds a transaction spending prevs into outs.
func Spend(prevs []wire.OutPoint, outs ...Out) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prevs[i], []byte{0x51}, nil))
	}
	for _, o := range outs {
		tx.AddTxOut(wire.NewTxOut(o.Value, o.Script))
	}
	return tx
}

func OutPoint(tx *wire.MsgTx, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: vout}
}

func NewBlock(prev chainhash.Hash, nonce uint32, txs ...*wire.MsgTx) *wire.MsgBlock {
	utxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utxs[i] = btcutil.NewTx(tx)
	}
	header := wire.NewBlockHeader(1, &prev, &chainhash.Hash{}, 0x207fffff, nonce)
	header.MerkleRoot = blockchain.CalcMerkleRoot(utxs, false)
	header.Timestamp = time.Unix(1_600_000_000+int64(nonce)*600, 0)

	block := wire.NewMsgBlock(header)
	for _, tx := range txs {
		_ = block.AddTransaction(tx)
	}
	return block
}
