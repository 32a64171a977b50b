package indexer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

type Config struct {
	ParseWorkers  int
	PollInterval  time.Duration
	StallTimeout  time.Duration
	UndoDepth     uint32
	ProgressEvery int
}

// Committer runs a store commit for the given scripts. The history cache
// implements it to drop touched entries before the commit is acknowledged.
type Committer interface {
	Update(touched []types.ScriptHash, commit func() error) error
}

type directCommit struct{}

func (directCommit) Update(_ []types.ScriptHash, commit func() error) error { return commit() }

// Indexer is the only writer to the store. It reconciles the store tip with
// the node's active chain, one block at a time.
type Indexer struct {
	cfg       Config
	store     database.Store
	client    chain.Client
	committer Committer
	bus       events.Bus

	state       atomic.Int32
	lastContact atomic.Int64
	stalled     atomic.Bool

	mu       sync.Mutex
	fatalErr error

	// only touched by the refresh loop
	highest    uint32
	highestSet bool
	pending    changes

	kick chan struct{}
}

func New(cfg Config, store database.Store, client chain.Client, committer Committer, bus events.Bus) *Indexer {
	if committer == nil {
		committer = directCommit{}
	}
	if cfg.ParseWorkers < 1 {
		cfg.ParseWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 1000
	}
	ix := &Indexer{
		cfg:       cfg,
		store:     store,
		client:    client,
		committer: committer,
		bus:       bus,
		kick:      make(chan struct{}, 1),
	}
	ix.contact()
	ix.setState(Syncing)
	return ix
}

// Notify asks the run loop for an immediate refresh, e.g. on a new block announcement.
func (ix *Indexer) Notify() {
	select {
	case ix.kick <- struct{}{}:
	default:
	}
}

func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

func (ix *Indexer) setState(s State) {
	if State(ix.state.Swap(int32(s))) != s {
		logging.L.Debug().Str("state", s.String()).Msg("indexer state")
	}
	metrics.SetIndexerState(s.String())
}

func (ix *Indexer) setFatal(err error) {
	ix.mu.Lock()
	if ix.fatalErr == nil {
		ix.fatalErr = err
	}
	ix.mu.Unlock()
	ix.setState(Fatal)
	logging.L.Error().Err(err).Msg("indexing halted")
}

// FatalErr is non nil once the index can no longer be trusted.
func (ix *Indexer) FatalErr() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.fatalErr
}

func (ix *Indexer) contact() {
	ix.lastContact.Store(time.Now().UnixNano())
	ix.stalled.Store(false)
}

// Stalled reports whether the node has not answered for longer than the stall timeout.
func (ix *Indexer) Stalled() bool {
	if ix.cfg.StallTimeout <= 0 {
		return false
	}
	return time.Since(time.Unix(0, ix.lastContact.Load())) > ix.cfg.StallTimeout
}

func (ix *Indexer) Status() Status {
	st := Status{State: ix.State(), Stalled: ix.Stalled(), Err: ix.FatalErr()}
	if tip, err := database.ReadTip(ix.store); err == nil {
		st.Tip = tip
	}
	return st
}

// applyBlock writes block on top of tip as one batch together with its undo log.
func (ix *Indexer) applyBlock(block *Block, tip *types.Tip) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveBlock("apply", err, started) }()

	if tip == nil && block.Height != 0 {
		return fatal(errors.New("first block must be at height 0"))
	}
	if tip != nil && block.Height != tip.Height+1 {
		return fatal(errors.New("block does not extend the tip"))
	}

	stage := database.NewStage(ix.store)
	touched, err := ix.stageBlock(stage, block)
	if err != nil {
		return fatal(err)
	}

	batch, _ := stage.Finish(block.Height, block.Hash)
	err = ix.committer.Update(touched, func() error {
		return ix.store.Write(batch)
	})
	if err != nil {
		return fatal(err)
	}
	if err := ix.pruneUndo(block.Height); err != nil {
		return fatal(err)
	}

	metrics.SetTipHeight(block.Height)
	ix.pending.add(touched, false)
	return nil
}

// stageBlock records all mutations of block and returns the scripts it touches.
func (ix *Indexer) stageBlock(stage *database.Stage, block *Block) ([]types.ScriptHash, error) {
	height, hash := block.Height, block.Hash

	if err := stage.Put(database.KeyHeaderByHeight(height), database.ValHeader(block.Header)); err != nil {
		return nil, err
	}
	if err := stage.Put(database.KeyHeaderByHash(&hash), database.ValHeight(height)); err != nil {
		return nil, err
	}
	if err := stage.Put(database.KeyTip(), database.ValTip(&types.Tip{Height: height, Hash: hash})); err != nil {
		return nil, err
	}

	seen := make(map[types.ScriptHash]struct{})
	var touched []types.ScriptHash
	touch := func(sh types.ScriptHash) {
		if _, ok := seen[sh]; !ok {
			seen[sh] = struct{}{}
			touched = append(touched, sh)
		}
	}

	for i, tx := range block.txs {
		pos := uint32(i)
		txid := tx.txid

		if err := stage.Put(database.KeyRawTx(&txid), database.CompressTx(tx.raw)); err != nil {
			return nil, err
		}
		if err := stage.Put(database.KeyTxConf(&txid), database.ValTxConf(height, pos)); err != nil {
			return nil, err
		}
		if err := stage.Put(database.KeyBlockTxid(height, pos), txid[:]); err != nil {
			return nil, err
		}

		// inputs first, a transaction cannot spend its own outputs
		for vin, in := range tx.ins {
			v, err := stage.Get(database.KeyOutpoint(&in.prevTxid, in.prevVout))
			if errors.Is(err, database.ErrNotFound) {
				logging.L.Error().
					Uint32("height", height).
					Str("txid", txid.String()).
					Str("prev_txid", in.prevTxid.String()).
					Uint32("prev_vout", in.prevVout).
					Msg("input spends unknown output")
				return nil, errUnresolvedInput
			}
			if err != nil {
				return nil, err
			}
			prev, err := database.ParseOutpointValue(v)
			if err != nil {
				return nil, err
			}

			e := types.SpendingEntry{
				ScriptHash: prev.ScriptHash,
				Height:     height,
				TxPos:      pos,
				Txid:       txid,
				Vin:        uint32(vin),
				PrevTxid:   in.prevTxid,
				PrevVout:   in.prevVout,
				Value:      prev.Value,
			}
			if err := stage.Put(database.KeySpending(&e), database.ValSpending(&e)); err != nil {
				return nil, err
			}
			spender := &database.SpenderInfo{Txid: txid, Vin: uint32(vin), Height: height}
			if err := stage.Put(database.KeySpender(&in.prevTxid, in.prevVout), database.ValSpender(spender)); err != nil {
				return nil, err
			}
			touch(prev.ScriptHash)
		}

		for vout, out := range tx.outs {
			if out == nil {
				continue
			}
			e := types.FundingEntry{
				ScriptHash: out.scriptHash,
				Height:     height,
				TxPos:      pos,
				Txid:       txid,
				Vout:       uint32(vout),
				Value:      out.value,
			}
			if err := stage.Put(database.KeyFunding(&e), database.ValAmount(e.Value)); err != nil {
				return nil, err
			}
			info := &database.OutpointInfo{ScriptHash: out.scriptHash, Height: height, Value: out.value}
			if err := stage.Put(database.KeyOutpoint(&txid, uint32(vout)), database.ValOutpoint(info)); err != nil {
				return nil, err
			}
			touch(out.scriptHash)
		}
	}
	return touched, nil
}

// changes collects the scripts touched by the blocks applied or undone since
// the last tip event.
type changes struct {
	dirty   bool
	reorg   bool
	seen    map[types.ScriptHash]struct{}
	touched []types.ScriptHash
}

func (c *changes) add(touched []types.ScriptHash, undone bool) {
	c.dirty = true
	c.reorg = c.reorg || undone
	if c.seen == nil {
		c.seen = make(map[types.ScriptHash]struct{})
	}
	for _, sh := range touched {
		if _, ok := c.seen[sh]; !ok {
			c.seen[sh] = struct{}{}
			c.touched = append(c.touched, sh)
		}
	}
}

// settle publishes one tip event for everything changed since the last one.
// Subscribers never see the intermediate tips of a reorg or a catch up.
func (ix *Indexer) settle() error {
	if !ix.pending.dirty {
		return nil
	}
	tip, err := ix.readTip()
	if err != nil {
		return err
	}
	ev := events.TipEvent{Touched: ix.pending.touched, Reorg: ix.pending.reorg}
	if tip != nil {
		ev.Tip = *tip
	}
	ix.pending = changes{}
	if ix.bus != nil {
		ix.bus.Publish(events.TopicChainTip, ev)
	}
	return nil
}
