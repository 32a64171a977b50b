package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/clock"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// Run refreshes until ctx is done or a fatal error occurs. Transient node
// failures are logged and retried on the next poll.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.FatalErr(); err != nil {
		return err
	}
	return clock.Every(ctx, ix.cfg.PollInterval, ix.kick, func(ctx context.Context) error {
		err := ix.Refresh(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrFatal):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		logging.L.Warn().Err(err).Str("state", ix.State().String()).Msg("refresh failed, retrying")
		if ix.Stalled() && !ix.stalled.Swap(true) {
			logging.L.Error().
				Dur("stall_timeout", ix.cfg.StallTimeout).
				Msg("node stalled, no successful contact within stall timeout")
		}
		return nil
	})
}

// Refresh brings the store to the node's active tip: it undoes blocks down to
// the common ancestor and then applies blocks forward. A fatal error is
// recorded and returned wrapped in ErrFatal.
func (ix *Indexer) Refresh(ctx context.Context) error {
	if err := ix.FatalErr(); err != nil {
		return err
	}
	err := ix.refresh(ctx)
	if errors.Is(err, ErrFatal) {
		ix.setFatal(err)
	}
	return err
}

func (ix *Indexer) refresh(ctx context.Context) error {
	for {
		best, err := ix.client.GetBestBlockHash(ctx)
		if err != nil {
			return fmt.Errorf("get best block hash: %w", err)
		}
		ix.contact()

		tip, err := ix.readTip()
		if err != nil {
			return err
		}
		if tip != nil && tip.Hash == *best {
			ix.setState(Synced)
			return ix.settle()
		}

		if tip != nil {
			ancestor, err := ix.findAncestor(ctx, tip)
			if err != nil {
				return err
			}
			if ancestor == nil || ancestor.Height < tip.Height {
				if err := ix.rollback(tip, ancestor); err != nil {
					return err
				}
			}
		}

		reorged, err := ix.syncForward(ctx)
		if err != nil {
			return err
		}
		if !reorged {
			ix.setState(Synced)
			return ix.settle()
		}
		// the node switched branches while we were applying, start over
	}
}

func (ix *Indexer) readTip() (*types.Tip, error) {
	tip, err := database.ReadTip(ix.store)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fatal(err)
	}
	return tip, nil
}

// findAncestor walks the local headers back from tip until one matches the
// node's block at the same height. nil means not even the first block matches.
func (ix *Indexer) findAncestor(ctx context.Context, tip *types.Tip) (*types.Tip, error) {
	for h := int64(tip.Height); h >= 0; h-- {
		height := uint32(h)
		local, err := database.HeaderByHeight(ix.store, height)
		if err != nil {
			return nil, fatal(err)
		}
		remote, err := ix.client.GetBlockHash(ctx, height)
		if errors.Is(err, chain.ErrNotFound) {
			// node's chain is shorter than ours here
			continue
		}
		if err != nil {
			return nil, err
		}
		ix.contact()
		if *remote == local.Hash {
			return &types.Tip{Height: height, Hash: local.Hash}, nil
		}
	}
	return nil, nil
}

// rollback undoes blocks from tip down to ancestor, last applied first.
func (ix *Indexer) rollback(tip, ancestor *types.Tip) error {
	ix.setState(Reorging)
	logEvent := logging.L.Warn().Uint32("tip_height", tip.Height).Str("tip", tip.Hash.String())
	if ancestor != nil {
		logEvent = logEvent.Uint32("ancestor_height", ancestor.Height).Str("ancestor", ancestor.Hash.String())
	}
	logEvent.Msg("reorg detected")

	if err := ix.checkUndoLogs(tip, ancestor); err != nil {
		return fatal(err)
	}

	cur := tip
	for cur != nil && (ancestor == nil || cur.Height > ancestor.Height) {
		next, err := ix.undoTip(cur)
		if err != nil {
			return err
		}
		cur = next
	}
	if ancestor != nil && (cur == nil || cur.Hash != ancestor.Hash) {
		return fatal(errors.New("rollback did not end on the common ancestor"))
	}
	return nil
}

// syncForward applies blocks until the node has no next height. It returns
// true when a block no longer connects to the tip.
func (ix *Indexer) syncForward(ctx context.Context) (reorged bool, err error) {
	ix.setState(Syncing)
	tip, err := ix.readTip()
	if err != nil {
		return false, err
	}

	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		var height uint32
		if tip != nil {
			height = tip.Height + 1
		}

		block, err := ix.pullBlock(ctx, height)
		if errors.Is(err, chain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if tip != nil && block.PrevHash != tip.Hash {
			logging.L.Info().
				Uint32("height", height).
				Str("prev", block.PrevHash.String()).
				Str("tip", tip.Hash.String()).
				Msg("next block does not connect, rescanning for reorg")
			return true, nil
		}

		if err := ix.applyBlock(block, tip); err != nil {
			logging.L.Err(err).
				Uint32("height", block.Height).
				Str("blockhash", block.Hash.String()).
				Msg("failed applying block")
			return false, err
		}
		tip = &types.Tip{Height: block.Height, Hash: block.Hash}

		applied++
		if applied%ix.cfg.ProgressEvery == 0 {
			logging.L.Info().
				Uint32("height", block.Height).
				Str("blockhash", block.Hash.String()).
				Int("applied", applied).
				Msg("sync progress")
		}
	}
}
