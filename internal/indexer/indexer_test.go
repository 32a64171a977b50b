package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/database/dbtest"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/testhelpers"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coin = 100_000_000

var (
	scriptX     = testhelpers.Script(0x01)
	scriptY     = testhelpers.Script(0x02)
	scriptMiner = testhelpers.Script(0x0f)
)

type recordingCommitter struct {
	mu      sync.Mutex
	touched [][]types.ScriptHash
}

func (r *recordingCommitter) Update(touched []types.ScriptHash, commit func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, touched)
	return commit()
}

type env struct {
	chain     *testhelpers.Chain
	store     database.Store
	ix        *Indexer
	bus       events.Bus
	committer *recordingCommitter
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	store, err := dbpebble.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.UndoDepth == 0 {
		cfg.UndoDepth = 100
	}
	cfg.ParseWorkers = 4

	e := &env{
		chain:     testhelpers.NewChain(),
		store:     store,
		bus:       events.NewBus(),
		committer: &recordingCommitter{},
	}
	e.ix = New(cfg, store, e.chain, e.committer, e.bus)
	return e
}

func (e *env) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, e.ix.Refresh(context.Background()))
}

func (e *env) tip(t *testing.T) *types.Tip {
	t.Helper()
	tip, err := database.ReadTip(e.store)
	require.NoError(t, err)
	return tip
}

func TestGenesisFunding(t *testing.T) {
	e := newEnv(t, Config{})
	genesis := e.chain.Mine(scriptX, 50*coin)

	e.refresh(t)

	assert.Equal(t, Synced, e.ix.State())
	assert.Equal(t, &types.Tip{Height: 0, Hash: genesis.BlockHash()}, e.tip(t))

	sh := types.NewScriptHash(scriptX)
	funding, err := database.FundingEntries(e.store, &sh)
	require.NoError(t, err)
	require.Len(t, funding, 1)
	assert.Equal(t, uint32(0), funding[0].Height)
	assert.Equal(t, uint64(5_000_000_000), funding[0].Value)
	assert.Equal(t, genesis.Transactions[0].TxHash(), funding[0].Txid)

	raw, err := database.RawTx(e.store, &funding[0].Txid)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	header, err := database.HeaderByHeight(e.store, 0)
	require.NoError(t, err)
	assert.Equal(t, genesis.BlockHash(), header.Hash)

	require.Len(t, e.committer.touched, 1)
	assert.Equal(t, []types.ScriptHash{sh}, e.committer.touched[0])
}

func TestApplyThenUndoRestoresStore(t *testing.T) {
	e := newEnv(t, Config{})
	b0 := e.chain.Mine(scriptMiner, 50*coin)
	e.refresh(t)
	before := dbtest.Dump(t, e.store)

	// spend the coinbase and fund two scripts, one of them twice in the same block
	spend := testhelpers.Spend(
		[]wire.OutPoint{testhelpers.OutPoint(b0.Transactions[0], 0)},
		testhelpers.Out{Script: scriptX, Value: 20 * coin},
		testhelpers.Out{Script: scriptY, Value: 29 * coin},
	)
	child := testhelpers.Spend(
		[]wire.OutPoint{testhelpers.OutPoint(spend, 1)},
		testhelpers.Out{Script: scriptX, Value: 28 * coin},
	)
	e.chain.Mine(scriptMiner, 50*coin, spend, child)
	e.refresh(t)
	require.Equal(t, uint32(1), e.tip(t).Height)
	require.NotEqual(t, before, dbtest.Dump(t, e.store))

	e.chain.Rewind(0)
	e.refresh(t)

	assert.Equal(t, uint32(0), e.tip(t).Height)
	assert.Equal(t, before, dbtest.Dump(t, e.store))
}

func TestReorgLeavesNoResidue(t *testing.T) {
	e := newEnv(t, Config{})
	scriptD := testhelpers.Script(0xd0)
	scriptE := testhelpers.Script(0xe0)

	e.chain.Mine(scriptMiner, 50*coin) // C
	d1 := e.chain.Mine(scriptD, 50*coin)
	d2 := e.chain.Mine(scriptD, 50*coin,
		testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(d1.Transactions[0], 0)},
			testhelpers.Out{Script: scriptD, Value: 49 * coin}))
	e.refresh(t)
	require.Equal(t, d2.BlockHash(), e.tip(t).Hash)

	var tipEvents []events.TipEvent
	var mu sync.Mutex
	require.NoError(t, e.bus.Subscribe(events.TopicChainTip, func(ev events.TipEvent) {
		mu.Lock()
		tipEvents = append(tipEvents, ev)
		mu.Unlock()
	}))

	e.chain.Rewind(0)
	e.chain.Mine(scriptE, 50*coin) // E1
	e.chain.Mine(scriptE, 50*coin) // E2
	e3 := e.chain.Mine(scriptE, 50*coin)
	e.refresh(t)

	assert.Equal(t, &types.Tip{Height: 3, Hash: e3.BlockHash()}, e.tip(t))
	assert.Equal(t, Synced, e.ix.State())

	shD := types.NewScriptHash(scriptD)
	funding, err := database.FundingEntries(e.store, &shD)
	require.NoError(t, err)
	assert.Empty(t, funding)
	spending, err := database.SpendingEntries(e.store, &shD)
	require.NoError(t, err)
	assert.Empty(t, spending)

	for _, blk := range []*wire.MsgBlock{d1, d2} {
		hash := blk.BlockHash()
		_, err := database.HeightByHash(e.store, &hash)
		require.ErrorIs(t, err, database.ErrNotFound)
		for _, tx := range blk.Transactions {
			txid := tx.TxHash()
			_, err := database.RawTx(e.store, &txid)
			require.ErrorIs(t, err, database.ErrNotFound)
		}
	}

	// two undos and three applies settle into one event for the final tip
	mu.Lock()
	require.Len(t, tipEvents, 1)
	assert.True(t, tipEvents[0].Reorg)
	assert.Equal(t, types.Tip{Height: 3, Hash: e3.BlockHash()}, tipEvents[0].Tip)
	assert.ElementsMatch(t, []types.ScriptHash{shD, types.NewScriptHash(scriptE)}, tipEvents[0].Touched)
	mu.Unlock()

	// the reorged store equals one that only ever saw the winning branch
	fresh, err := dbpebble.OpenMem()
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, New(Config{UndoDepth: 100}, fresh, e.chain, nil, nil).Refresh(context.Background()))
	assert.Equal(t, dbtest.Dump(t, fresh), dbtest.Dump(t, e.store))
}

func TestUnresolvedInputIsFatal(t *testing.T) {
	e := newEnv(t, Config{})
	e.chain.Mine(scriptMiner, 50*coin)
	e.chain.Mine(scriptMiner, 50*coin,
		testhelpers.Spend([]wire.OutPoint{{Hash: chainhash.Hash{0xde, 0xad}, Index: 3}},
			testhelpers.Out{Script: scriptX, Value: coin}))

	err := e.ix.Refresh(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, errUnresolvedInput)
	assert.Equal(t, Fatal, e.ix.State())
	require.ErrorIs(t, e.ix.FatalErr(), ErrFatal)

	// nothing of the failed block is visible
	assert.Equal(t, uint32(0), e.tip(t).Height)

	calls := e.chain.Calls
	require.ErrorIs(t, e.ix.Refresh(context.Background()), ErrFatal)
	assert.Equal(t, calls, e.chain.Calls, "refresh after fatal must not touch the node")
	require.ErrorIs(t, e.ix.Run(context.Background()), ErrFatal)
}

func TestTransientErrorsAndStall(t *testing.T) {
	e := newEnv(t, Config{StallTimeout: 20 * time.Millisecond})
	e.chain.Mine(scriptMiner, 50*coin)

	errDown := errors.New("connection refused")
	e.chain.SetErr(errDown)
	err := e.ix.Refresh(context.Background())
	require.ErrorIs(t, err, errDown)
	assert.NotErrorIs(t, err, ErrFatal)
	assert.NoError(t, e.ix.FatalErr())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, e.ix.Stalled())
	assert.True(t, e.ix.Status().Stalled)

	e.chain.SetErr(nil)
	e.refresh(t)
	assert.False(t, e.ix.Stalled())
	assert.Equal(t, uint32(0), e.tip(t).Height)
}

func TestUndoDepthPrunesOldLogs(t *testing.T) {
	e := newEnv(t, Config{UndoDepth: 2})
	for i := 0; i < 4; i++ {
		e.chain.Mine(scriptMiner, 50*coin)
	}
	e.refresh(t)

	for h := uint32(0); h < 2; h++ {
		_, err := database.ReadUndo(e.store, h)
		require.ErrorIs(t, err, database.ErrNotFound, "height %d", h)
	}
	for h := uint32(2); h < 4; h++ {
		_, err := database.ReadUndo(e.store, h)
		require.NoError(t, err, "height %d", h)
	}

	// a reorg below the retained depth cannot be undone, nothing is reverted
	before := dbtest.Dump(t, e.store)
	e.chain.Rewind(0)
	for i := 0; i < 5; i++ {
		e.chain.Mine(scriptY, 50*coin)
	}
	require.ErrorIs(t, e.ix.Refresh(context.Background()), ErrFatal)
	assert.Equal(t, before, dbtest.Dump(t, e.store))
	assert.Equal(t, uint32(3), e.tip(t).Height)
}

func TestApplyThenUndoPastUndoDepth(t *testing.T) {
	e := newEnv(t, Config{UndoDepth: 2})
	for i := 0; i < 4; i++ {
		e.chain.Mine(scriptMiner, 50*coin)
	}
	e.refresh(t)

	e.chain.Rewind(2)
	e.refresh(t)
	before := dbtest.Dump(t, e.store)

	for round := 0; round < 3; round++ {
		e.chain.Mine(scriptX, 50*coin)
		e.refresh(t)
		require.Equal(t, uint32(3), e.tip(t).Height)

		e.chain.Rewind(2)
		e.refresh(t)
		assert.Equal(t, before, dbtest.Dump(t, e.store), "round %d", round)
	}

	// one block reorgs above did not shrink the window below the highest height
	e.chain.Rewind(1)
	for i := 0; i < 3; i++ {
		e.chain.Mine(scriptY, 50*coin)
	}
	e.refresh(t)
	assert.Equal(t, Synced, e.ix.State())
	assert.Equal(t, &types.Tip{Height: 4, Hash: e.chain.HashAt(4)}, e.tip(t))

	_, err := database.ReadUndo(e.store, 2)
	require.ErrorIs(t, err, database.ErrNotFound)
	for h := uint32(3); h <= 4; h++ {
		_, err := database.ReadUndo(e.store, h)
		require.NoError(t, err, "height %d", h)
	}
}

func TestRunFollowsNewBlocks(t *testing.T) {
	e := newEnv(t, Config{PollInterval: time.Hour})
	e.chain.Mine(scriptMiner, 50*coin)

	tips := make(chan types.Tip, 10)
	require.NoError(t, e.bus.Subscribe(events.TopicChainTip, func(ev events.TipEvent) {
		tips <- ev.Tip
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.ix.Run(ctx) }()

	waitTip := func(height uint32) {
		t.Helper()
		select {
		case tip := <-tips:
			require.Equal(t, height, tip.Height)
		case <-time.After(5 * time.Second):
			t.Fatalf("no tip event for height %d", height)
		}
	}
	waitTip(0)

	e.chain.Mine(scriptX, 50*coin)
	e.ix.Notify()
	waitTip(1)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestParseBlockSkipsUnspendable(t *testing.T) {
	opReturn := []byte{0x6a, 0x04, 0xde, 0xad, 0xbe, 0xef}
	cb := testhelpers.Coinbase(0, 1, scriptX, 50*coin)
	cb.AddTxOut(wire.NewTxOut(0, opReturn))
	block := testhelpers.NewBlock(chainhash.Hash{}, 1, cb)

	parsed, err := ParseBlock(context.Background(), 2, block, 0)
	require.NoError(t, err)
	require.Len(t, parsed.txs, 1)
	tx := parsed.txs[0]
	assert.True(t, tx.coinbase)
	assert.Empty(t, tx.ins)
	require.Len(t, tx.outs, 2)
	assert.NotNil(t, tx.outs[0])
	assert.Nil(t, tx.outs[1])
	assert.Equal(t, cb.TxHash(), tx.Txid())
}
