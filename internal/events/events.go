// events carries change notifications from the indexer and the mempool
// tracker to the protocol servers.
package events

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

const (
	// TopicChainTip is published with a TipEvent once a refresh that changed
	// the store has settled on the node's tip.
	TopicChainTip = "chain:tip"
	// TopicMempool is published with a MempoolEvent after every mempool snapshot swap.
	TopicMempool = "mempool:refresh"
)

type Bus = evbus.Bus

func NewBus() Bus {
	return evbus.New()
}

type TipEvent struct {
	Tip types.Tip
	// Touched lists the scripts whose confirmed history changed since the previous event.
	Touched []types.ScriptHash
	// Reorg is true when blocks were undone on the way to Tip.
	Reorg bool
}

type MempoolEvent struct {
	Touched []types.ScriptHash
	Count   int
}
