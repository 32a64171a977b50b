package mempool_test

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/mempool"
	"github.com/setavenger/blindbit-electrum/internal/testhelpers"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coin = 100_000_000

var (
	scriptMiner = testhelpers.Script(0x0f)
	scriptX     = testhelpers.Script(0x01)
	scriptY     = testhelpers.Script(0x02)
)

type fixture struct {
	chain   *testhelpers.Chain
	store   database.Store
	ix      *indexer.Indexer
	tracker *mempool.Tracker
	bus     events.Bus
	genesis *wire.MsgBlock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := dbpebble.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{chain: testhelpers.NewChain(), store: store, bus: events.NewBus()}
	f.ix = indexer.New(indexer.Config{ParseWorkers: 2, UndoDepth: 100}, store, f.chain, nil, nil)
	f.tracker = mempool.New(mempool.Config{FetchWorkers: 4}, store, f.chain, f.bus)

	f.genesis = f.chain.Mine(scriptMiner, 50*coin)
	require.NoError(t, f.ix.Refresh(context.Background()))
	return f
}

func (f *fixture) refresh(t *testing.T) *mempool.Snapshot {
	t.Helper()
	require.NoError(t, f.tracker.Refresh(context.Background()))
	return f.tracker.Snapshot()
}

func TestTracksSpendOfConfirmedOutput(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 0, f.tracker.Snapshot().Len())

	tx := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(f.genesis.Transactions[0], 0)},
		testhelpers.Out{Script: scriptX, Value: 30 * coin},
		testhelpers.Out{Script: scriptY, Value: 19 * coin},
	)
	f.chain.AddMempool(tx)
	snap := f.refresh(t)

	require.Equal(t, 1, snap.Len())
	got, ok := snap.Tx(ptr(tx.TxHash()))
	require.True(t, ok)
	assert.True(t, got.FeeKnown)
	assert.Equal(t, uint64(coin), got.Fee)
	assert.Equal(t, types.HeightMempool, got.Height())
	assert.Positive(t, got.VSize)

	shX := types.NewScriptHash(scriptX)
	assert.Equal(t, []types.HistoryItem{{Txid: tx.TxHash(), Height: 0, Fee: coin}}, snap.History(&shX))
	assert.Equal(t, []types.UTXO{{Txid: tx.TxHash(), Vout: 0, Height: 0, Value: 30 * coin}}, snap.Funding(&shX))

	shMiner := types.NewScriptHash(scriptMiner)
	funded, spent := snap.Delta(&shMiner)
	assert.Zero(t, funded)
	assert.Equal(t, uint64(50*coin), spent)

	spender, ok := snap.SpentBy(types.Outpoint{Txid: f.genesis.Transactions[0].TxHash(), Vout: 0})
	require.True(t, ok)
	assert.Equal(t, tx.TxHash(), spender)

	stats := snap.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, uint64(coin), stats.TotalFee)
	require.Len(t, stats.FeeHistogram, 1)
	require.Len(t, snap.Recent(), 1)
}

func TestUnconfirmedParentsAndOrder(t *testing.T) {
	f := newFixture(t)

	parent := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(f.genesis.Transactions[0], 0)},
		testhelpers.Out{Script: scriptX, Value: 49 * coin},
	)
	child := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(parent, 0)},
		testhelpers.Out{Script: scriptX, Value: 48 * coin},
	)
	f.chain.AddMempool(child, parent)
	snap := f.refresh(t)

	shX := types.NewScriptHash(scriptX)
	hist := snap.History(&shX)
	require.Len(t, hist, 2)
	assert.Equal(t, parent.TxHash(), hist[0].Txid)
	assert.Equal(t, types.HeightMempool, hist[0].Height)
	assert.Equal(t, child.TxHash(), hist[1].Txid)
	assert.Equal(t, types.HeightMempoolParents, hist[1].Height)

	// the parent output is spent within the mempool
	assert.Equal(t, []types.UTXO{{Txid: child.TxHash(), Vout: 0, Height: 0, Value: 48 * coin}}, snap.Funding(&shX))
}

func TestUnknownPrevoutHasNoFee(t *testing.T) {
	f := newFixture(t)
	tx := testhelpers.Spend([]wire.OutPoint{{Hash: chainhash.Hash{0x42}, Index: 0}},
		testhelpers.Out{Script: scriptX, Value: coin},
	)
	f.chain.AddMempool(tx)
	snap := f.refresh(t)

	got, ok := snap.Tx(ptr(tx.TxHash()))
	require.True(t, ok)
	assert.False(t, got.FeeKnown)
	assert.Zero(t, got.Fee)
	assert.False(t, got.Inputs[0].Known)
}

func TestDropsMinedAndEvicted(t *testing.T) {
	f := newFixture(t)
	a := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(f.genesis.Transactions[0], 0)},
		testhelpers.Out{Script: scriptX, Value: 49 * coin},
	)
	b := testhelpers.Spend([]wire.OutPoint{{Hash: chainhash.Hash{0x42}, Index: 0}},
		testhelpers.Out{Script: scriptY, Value: coin},
	)
	f.chain.AddMempool(a, b)
	require.Equal(t, 2, f.refresh(t).Len())

	f.chain.RemoveMempool(b.TxHash())
	f.chain.Mine(scriptMiner, 50*coin, a)
	require.NoError(t, f.ix.Refresh(context.Background()))

	// the node still lists a although the block is indexed
	f.chain.AddMempool(a)
	snap := f.refresh(t)
	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, snap.Txids())
}

func TestPublishesTouchedScripts(t *testing.T) {
	f := newFixture(t)
	got := make(chan events.MempoolEvent, 4)
	require.NoError(t, f.bus.Subscribe(events.TopicMempool, func(ev events.MempoolEvent) { got <- ev }))

	tx := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(f.genesis.Transactions[0], 0)},
		testhelpers.Out{Script: scriptX, Value: 49 * coin},
	)
	f.chain.AddMempool(tx)
	f.refresh(t)

	require.Len(t, got, 1)
	ev := <-got
	assert.Equal(t, 1, ev.Count)
	assert.ElementsMatch(t, []types.ScriptHash{types.NewScriptHash(scriptMiner), types.NewScriptHash(scriptX)}, ev.Touched)

	// nothing changed, nothing published
	f.refresh(t)
	assert.Len(t, got, 0)
}

func ptr(h chainhash.Hash) *chainhash.Hash { return &h }
