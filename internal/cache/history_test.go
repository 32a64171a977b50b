package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/setavenger/blindbit-electrum/internal/cache"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/testhelpers"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHash(t *testing.T, s string) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return *h
}

func TestStatus(t *testing.T) {
	a := types.HistoryItem{Txid: mustHash(t, "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"), Height: 10}
	b := types.HistoryItem{Txid: mustHash(t, "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"), Height: -1}

	tests := []struct {
		name  string
		items []types.HistoryItem
		want  *string
	}{
		{name: "empty history has no status", items: nil, want: nil},
		{name: "single item", items: []types.HistoryItem{a}, want: strPtr("2d27e01ac4b4b4a19b30be8acd364b4c9ca232bde14190c8e965c13dfceebe70")},
		{name: "confirmed then mempool", items: []types.HistoryItem{a, b}, want: strPtr("e86498300b410205a5a71504fcbb24fd1f91d69fce0f7c92d13a05ed6d12d2af")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cache.Status(tt.items))
			// deterministic
			assert.Equal(t, cache.Status(tt.items), cache.Status(tt.items))
		})
	}

	t.Run("changes on append", func(t *testing.T) {
		c := types.HistoryItem{Txid: chainhash.Hash{0x03}, Height: 12}
		assert.NotEqual(t, cache.Status([]types.HistoryItem{a}), cache.Status([]types.HistoryItem{a, c}))
	})

	t.Run("clone leaves the original untouched", func(t *testing.T) {
		s := cache.NewStatusHasher()
		s.Add(a)
		before := s.Sum()

		c := s.Clone()
		c.Add(b)
		assert.Equal(t, before, s.Sum())
		assert.Equal(t, cache.Status([]types.HistoryItem{a, b}), c.Sum())
	})
}

func strPtr(s string) *string { return &s }

type fixture struct {
	chain *testhelpers.Chain
	store database.Store
	hist  *cache.History
	ix    *indexer.Indexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := dbpebble.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hist, err := cache.New(store, 16)
	require.NoError(t, err)

	c := testhelpers.NewChain()
	return &fixture{
		chain: c,
		store: store,
		hist:  hist,
		ix:    indexer.New(indexer.Config{ParseWorkers: 2, UndoDepth: 100}, store, c, hist, nil),
	}
}

func TestLoadHistoryOrder(t *testing.T) {
	f := newFixture(t)
	x := testhelpers.Script(0x01)
	other := testhelpers.Script(0x02)

	b0 := f.chain.Mine(x, 50*1e8)
	f.chain.Mine(other, 50*1e8)
	// spends X and pays change back to X, listed once
	self := testhelpers.Spend([]wire.OutPoint{testhelpers.OutPoint(b0.Transactions[0], 0)},
		testhelpers.Out{Script: other, Value: 10 * 1e8},
		testhelpers.Out{Script: x, Value: 39 * 1e8},
	)
	b2 := f.chain.Mine(other, 50*1e8, self)
	require.NoError(t, f.ix.Refresh(context.Background()))

	sh := types.NewScriptHash(x)
	items, err := cache.LoadHistory(f.store, &sh)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.HistoryItem{Txid: b0.Transactions[0].TxHash(), Height: 0, TxPos: 0, Confirmed: true}, items[0])
	assert.Equal(t, types.HistoryItem{Txid: self.TxHash(), Height: 2, TxPos: 1, Confirmed: true}, items[1])
	assert.Equal(t, b2.Transactions[1].TxHash(), items[1].Txid)
}

func TestHistoryInvalidatedOnCommit(t *testing.T) {
	f := newFixture(t)
	x := testhelpers.Script(0x01)
	sh := types.NewScriptHash(x)

	f.chain.Mine(x, 50*1e8)
	require.NoError(t, f.ix.Refresh(context.Background()))

	first, err := f.hist.Get(sh)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	again, err := f.hist.Get(sh)
	require.NoError(t, err)
	assert.Same(t, first, again, "second lookup is served from the cache")

	f.chain.Mine(x, 50*1e8)
	require.NoError(t, f.ix.Refresh(context.Background()))

	after, err := f.hist.Get(sh)
	require.NoError(t, err)
	assert.Len(t, after.Items, 2)
	assert.NotEqual(t, first.Status(), after.Status())
	assert.Equal(t, cache.Status(after.Items), after.Status())

	// and back after a reorg
	f.chain.Rewind(0)
	f.chain.Mine(testhelpers.Script(0x09), 50*1e8)
	f.chain.Mine(testhelpers.Script(0x09), 50*1e8)
	require.NoError(t, f.ix.Refresh(context.Background()))

	undone, err := f.hist.Get(sh)
	require.NoError(t, err)
	assert.Equal(t, first.Items, undone.Items)
	assert.Equal(t, first.Status(), undone.Status())
}

func TestUpdateDropsEntriesOnFailedCommit(t *testing.T) {
	f := newFixture(t)
	sh := types.NewScriptHash(testhelpers.Script(0x01))

	_, err := f.hist.Get(sh)
	require.NoError(t, err)
	require.Equal(t, 1, f.hist.Len())

	errWrite := errors.New("disk full")
	err = f.hist.Update([]types.ScriptHash{sh}, func() error { return errWrite })
	require.ErrorIs(t, err, errWrite)
	assert.Equal(t, 0, f.hist.Len())
}

func TestHistoryEvicts(t *testing.T) {
	store, err := dbpebble.OpenMem()
	require.NoError(t, err)
	defer store.Close()

	hist, err := cache.New(store, 2)
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		_, err := hist.Get(types.NewScriptHash(testhelpers.Script(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hist.Len())

	hist.Purge()
	assert.Equal(t, 0, hist.Len())
}
