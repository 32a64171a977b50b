package server_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fanOut mines a block splitting the genesis output into n outputs for Y and
// a block spending each of them back to X, n+1 transactions in total.
func fanOut(t *testing.T, e *env, n int) (genesis, split, wide *wire.MsgBlock, spends []*wire.MsgTx) {
	t.Helper()
	genesis = e.chain.Mine(scriptX, 50*coin)
	outs := make([]testhelpers.Out, n)
	for i := range outs {
		outs[i] = testhelpers.Out{Script: scriptY, Value: coin}
	}
	splitTx := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(genesis.Transactions[0], 0)}, outs...)
	split = e.chain.Mine(scriptMiner, 50*coin, splitTx)
	for i := 0; i < n; i++ {
		spends = append(spends, testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(splitTx, uint32(i))},
			testhelpers.Out{Script: scriptX, Value: coin / 2},
		))
	}
	wide = e.chain.Mine(scriptMiner, 50*coin, spends...)
	e.sync(t)
	return genesis, split, wide, spends
}

func TestBlocksListing(t *testing.T) {
	e := newEnv(t)
	var hashes []string
	for i := 0; i < 12; i++ {
		hashes = append(hashes, e.chain.Mine(scriptMiner, 50*coin).BlockHash().String())
	}
	e.sync(t)

	var blocks []struct {
		ID     string `json:"id"`
		Height uint32 `json:"height"`
	}
	e.getJSON(t, "/blocks", &blocks)
	require.Len(t, blocks, 10)
	assert.Equal(t, uint32(11), blocks[0].Height)
	assert.Equal(t, hashes[11], blocks[0].ID)
	assert.Equal(t, uint32(2), blocks[9].Height)

	e.getJSON(t, "/blocks/3", &blocks)
	require.Len(t, blocks, 4)
	assert.Equal(t, hashes[3], blocks[0].ID)
	assert.Equal(t, hashes[0], blocks[3].ID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/blocks/x", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/blocks/40", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/blocks/tip/hash", "").Code)
}

func TestBlockTxsPages(t *testing.T) {
	e := newEnv(t)
	_, _, wide, spends := fanOut(t, e, 29)
	path := "/block/" + wide.BlockHash().String() + "/txs"

	var txs []struct {
		Txid   string `json:"txid"`
		Status struct {
			BlockHeight *uint32 `json:"block_height"`
		} `json:"status"`
	}
	e.getJSON(t, path, &txs)
	require.Len(t, txs, 25)
	assert.Equal(t, wide.Transactions[0].TxHash().String(), txs[0].Txid)
	require.NotNil(t, txs[0].Status.BlockHeight)
	assert.Equal(t, uint32(2), *txs[0].Status.BlockHeight)

	e.getJSON(t, path+"/25", &txs)
	require.Len(t, txs, 5)
	assert.Equal(t, spends[24].TxHash().String(), txs[0].Txid)
	assert.Equal(t, spends[28].TxHash().String(), txs[4].Txid)

	tests := []struct {
		path string
		code int
	}{
		{path + "/50", http.StatusNotFound},
		{path + "/3", http.StatusBadRequest},
		{path + "/x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, e.do(t, http.MethodGet, tt.path, "").Code, tt.path)
	}
}

func TestChainTxsPages(t *testing.T) {
	e := newEnv(t)
	genesis, split, _, spends := fanOut(t, e, 29)
	pending := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(spends[0], 0)},
		testhelpers.Out{Script: scriptY, Value: coin / 4},
	)
	e.chain.AddMempool(pending)
	e.sync(t)
	path := "/scripthash/" + shX.String() + "/txs/chain"

	var txs []struct {
		Txid string `json:"txid"`
	}
	e.getJSON(t, path, &txs)
	require.Len(t, txs, 25)
	// newest first, the pending spend is left out
	assert.Equal(t, spends[28].TxHash().String(), txs[0].Txid)
	assert.Equal(t, spends[4].TxHash().String(), txs[24].Txid)

	e.getJSON(t, path+"/"+txs[24].Txid, &txs)
	require.Len(t, txs, 6)
	assert.Equal(t, spends[3].TxHash().String(), txs[0].Txid)
	assert.Equal(t, split.Transactions[1].TxHash().String(), txs[4].Txid)
	assert.Equal(t, genesis.Transactions[0].TxHash().String(), txs[5].Txid)

	e.getJSON(t, path+"/"+txs[5].Txid, &txs)
	assert.Empty(t, txs)

	// the combined listing leads with the mempool
	e.getJSON(t, "/scripthash/"+shX.String()+"/txs", &txs)
	require.Len(t, txs, 26)
	assert.Equal(t, pending.TxHash().String(), txs[0].Txid)
	assert.Equal(t, spends[28].TxHash().String(), txs[1].Txid)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, path+"/zz", "").Code)
}

// fold recomputes a merkle root from a leaf and its branch.
func fold(t *testing.T, leaf string, pos uint32, branch []string) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(leaf)
	require.NoError(t, err)
	acc := *h
	for _, s := range branch {
		sibling, err := chainhash.NewHashFromStr(s)
		require.NoError(t, err)
		if pos&1 == 0 {
			acc = blockchain.HashMerkleBranches(&acc, sibling)
		} else {
			acc = blockchain.HashMerkleBranches(sibling, &acc)
		}
		pos >>= 1
	}
	return acc
}

func TestOutspendsAndMerkleProof(t *testing.T) {
	e := newEnv(t)
	genesis, split, wide, spends := fanOut(t, e, 4)
	pending := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(spends[0], 0)},
		testhelpers.Out{Script: scriptY, Value: coin / 4},
	)
	e.chain.AddMempool(pending)
	e.sync(t)

	var outspends []struct {
		Spent  bool    `json:"spent"`
		Txid   *string `json:"txid"`
		Vin    *uint32 `json:"vin"`
		Status *struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}
	splitTxid := split.Transactions[1].TxHash().String()
	e.getJSON(t, "/tx/"+genesis.Transactions[0].TxHash().String()+"/outspends", &outspends)
	require.Len(t, outspends, 1)
	assert.True(t, outspends[0].Spent)
	require.NotNil(t, outspends[0].Txid)
	assert.Equal(t, splitTxid, *outspends[0].Txid)
	require.NotNil(t, outspends[0].Status)
	assert.True(t, outspends[0].Status.Confirmed)

	e.getJSON(t, "/tx/"+splitTxid+"/outspends", &outspends)
	require.Len(t, outspends, 4)
	for _, out := range outspends {
		assert.True(t, out.Spent)
	}

	e.getJSON(t, "/tx/"+spends[0].TxHash().String()+"/outspends", &outspends)
	require.Len(t, outspends, 1)
	assert.True(t, outspends[0].Spent)
	require.NotNil(t, outspends[0].Status)
	assert.False(t, outspends[0].Status.Confirmed)

	var proof struct {
		BlockHeight uint32   `json:"block_height"`
		Merkle      []string `json:"merkle"`
		Pos         uint32   `json:"pos"`
	}
	for i, tx := range wide.Transactions {
		txid := tx.TxHash().String()
		e.getJSON(t, "/tx/"+txid+"/merkle-proof", &proof)
		assert.Equal(t, uint32(2), proof.BlockHeight)
		assert.Equal(t, uint32(i), proof.Pos)
		assert.Equal(t, wide.Header.MerkleRoot, fold(t, txid, proof.Pos, proof.Merkle), txid)
	}

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/tx/"+pending.TxHash().String()+"/merkle-proof", "").Code)
}

func TestGetBroadcast(t *testing.T) {
	e := newEnv(t)
	genesis := e.chain.Mine(scriptX, 50*coin)
	e.sync(t)

	tx := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(genesis.Transactions[0], 0)},
		testhelpers.Out{Script: scriptY, Value: 49 * coin},
	)
	rec := e.do(t, http.MethodGet, "/broadcast?tx="+url.QueryEscape(txHex(t, tx)), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, tx.TxHash().String(), rec.Body.String())
	require.Len(t, e.chain.Broadcasts, 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/broadcast", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/broadcast?tx=zz", "").Code)
	require.Len(t, e.chain.Broadcasts, 1)
}
