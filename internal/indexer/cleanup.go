package indexer

import (
	"errors"
	"fmt"
	"time"

	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// undoTip reverts the block at the current tip from its undo log and returns the new tip,
// nil once the store is empty again.
func (ix *Indexer) undoTip(tip *types.Tip) (newTip *types.Tip, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBlock("undo", err, started) }()

	u, err := database.ReadUndo(ix.store, tip.Height)
	if err != nil {
		return nil, fatal(err)
	}
	if u.Hash != tip.Hash {
		return nil, fatal(fmt.Errorf("undo log at height %d is for %s, tip is %s", tip.Height, u.Hash, tip.Hash))
	}

	batch := database.NewBatch()
	u.Revert(batch)
	touched := touchedByUndo(u)

	err = ix.committer.Update(touched, func() error {
		return ix.store.Write(batch)
	})
	if err != nil {
		return nil, fatal(err)
	}

	newTip, err = database.ReadTip(ix.store)
	if errors.Is(err, database.ErrNotFound) {
		newTip = nil
	} else if err != nil {
		return nil, fatal(err)
	}

	logging.L.Info().
		Uint32("height", tip.Height).
		Str("blockhash", tip.Hash.String()).
		Int("undo_ops", len(u.Ops)).
		Msg("block undone")

	if newTip != nil {
		metrics.SetTipHeight(newTip.Height)
	}
	ix.pending.add(touched, true)
	return newTip, nil
}

// pruneUndo drops the undo logs that fall UndoDepth or more below the highest
// height applied so far. It runs after the block commit and only when height
// raises that mark, so undoing and reapplying blocks never prunes further.
func (ix *Indexer) pruneUndo(height uint32) error {
	if ix.highestSet && height <= ix.highest {
		return nil
	}
	ix.highest, ix.highestSet = height, true
	if ix.cfg.UndoDepth == 0 || height < ix.cfg.UndoDepth {
		return nil
	}

	heights, err := database.UndoHeights(ix.store, height-ix.cfg.UndoDepth)
	if err != nil {
		return err
	}
	if len(heights) == 0 {
		return nil
	}
	batch := database.NewBatch()
	for _, h := range heights {
		batch.Delete(database.KeyUndo(h))
	}
	if err := ix.store.Write(batch); err != nil {
		return err
	}
	logging.L.Debug().
		Uint32("highest", height).
		Uint32("from", heights[0]).
		Uint32("to", heights[len(heights)-1]).
		Msg("pruned undo logs")
	return nil
}

// undoFloor is the lowest common ancestor height a reorg can still be undone to.
func (ix *Indexer) undoFloor() uint32 {
	if ix.cfg.UndoDepth == 0 || !ix.highestSet || ix.highest < ix.cfg.UndoDepth {
		return 0
	}
	return ix.highest - ix.cfg.UndoDepth
}

// checkUndoLogs verifies that every block above ancestor has an undo log
// matching the local header, before the first block is reverted.
func (ix *Indexer) checkUndoLogs(tip, ancestor *types.Tip) error {
	var stop int64 = -1
	if ancestor != nil {
		stop = int64(ancestor.Height)
	}
	for h := int64(tip.Height); h > stop; h-- {
		height := uint32(h)
		u, err := database.ReadUndo(ix.store, height)
		if err != nil {
			return fmt.Errorf("reorg to height %d below undo floor %d: %w", stop, ix.undoFloor(), err)
		}
		header, err := database.HeaderByHeight(ix.store, height)
		if err != nil {
			return err
		}
		if u.Hash != header.Hash {
			return fmt.Errorf("undo log at height %d is for %s, header is %s", height, u.Hash, header.Hash)
		}
	}
	return nil
}

// touchedByUndo collects the scripts whose funding or spending entries the undo log reverts.
func touchedByUndo(u *database.UndoLog) []types.ScriptHash {
	seen := make(map[types.ScriptHash]struct{})
	var out []types.ScriptHash
	for _, op := range u.Ops {
		var key []byte
		switch o := op.(type) {
		case database.UndoPut:
			key = o.Key
		case database.UndoDelete:
			key = o.Key
		}
		if len(key) < 1+database.SizeScriptHash {
			continue
		}
		if key[0] != database.KFunding && key[0] != database.KSpending {
			continue
		}
		sh := types.ScriptHash(key[1 : 1+database.SizeScriptHash])
		if _, ok := seen[sh]; !ok {
			seen[sh] = struct{}{}
			out = append(out, sh)
		}
	}
	return out
}
