package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-electrum/internal/cache"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/testhelpers"
)

func TestExplorer(t *testing.T) {
	store, err := dbpebble.OpenMem()
	require.NoError(t, err)
	defer store.Close()

	hist, err := cache.New(store, 8)
	require.NoError(t, err)
	node := testhelpers.NewChain()
	node.Mine(testhelpers.Script(0x01), 50)
	node.Mine(testhelpers.Script(0x02), 50)
	node.Mine(testhelpers.Script(0x03), 50)
	ix := indexer.New(indexer.Config{ParseWorkers: 1, UndoDepth: 100}, store, node, hist, nil)
	require.NoError(t, ix.Refresh(context.Background()))

	e := &explorer{store: store}
	lo, hi, ok, err := e.heightRange()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), lo)
	assert.Equal(t, uint32(2), hi)

	counts, err := e.keyTypeCounts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[database.KHeaderByHeight])
	assert.Equal(t, 3, counts[database.KFunding])
	assert.Equal(t, 1, counts[database.KTip])

	var out bytes.Buffer
	require.NoError(t, e.printInfo(&out))
	assert.Contains(t, out.String(), "Height Range: 0 - 2 (3 blocks)")
	assert.Contains(t, out.String(), "Database Metrics:")

	tag, ok := keyTypeByName("undo")
	require.True(t, ok)
	assert.Equal(t, byte(database.KUndo), tag)
	_, ok = keyTypeByName("tweaks")
	assert.False(t, ok)
}
