package query

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/database"
)

// MerkleProof links a confirmed transaction to the merkle root of its block.
// Branch lists the sibling hashes from the leaf level up.
type MerkleProof struct {
	Height uint32
	Pos    uint32
	Branch []chainhash.Hash
}

// MerkleProof returns ErrNotFound for unknown and unconfirmed transactions.
func (e *Engine) MerkleProof(txid *chainhash.Hash) (*MerkleProof, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, e.readFailed(err)
	}
	defer snap.Close()

	height, pos, err := database.TxConf(snap, txid)
	if err != nil {
		return nil, e.readFailed(err)
	}
	txids, err := database.BlockTxids(snap, height)
	if err != nil {
		return nil, e.readFailed(err)
	}
	if int(pos) >= len(txids) || txids[pos] != *txid {
		return nil, e.readFailed(fmt.Errorf("%w: tx %s not at position %d of block %d", database.ErrCorrupt, txid, pos, height))
	}
	return &MerkleProof{Height: height, Pos: pos, Branch: merkleBranch(txids, int(pos))}, nil
}

// merkleBranch collects the siblings of the leaf at pos, duplicating the last
// hash of odd sized levels like the block merkle root does.
func merkleBranch(leaves []chainhash.Hash, pos int) []chainhash.Hash {
	level := make([]chainhash.Hash, len(leaves))
	copy(level, leaves)

	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, level[pos^1])

		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = blockchain.HashMerkleBranches(&level[2*i], &level[2*i+1])
		}
		level = next
		pos /= 2
	}
	return branch
}
