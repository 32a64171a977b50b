package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexerTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "tip_height",
		Help:      "Height of the last fully applied block.",
	})
	indexerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "state",
		Help:      "1 for the current indexer state, 0 otherwise.",
	}, []string{"state"})
	indexerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "blocks_total",
		Help:      "Count of applied and undone blocks.",
	}, []string{"operation", "status"})
	indexerBlockDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "block_duration_seconds",
		Help:      "Duration of applying or undoing one block.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"operation", "status"})
)

var indexerStates = []string{"syncing", "synced", "reorging", "fatal"}

// ObserveBlock records one applied ("apply") or undone ("undo") block.
func ObserveBlock(operation string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	indexerBlocksTotal.WithLabelValues(operation, status).Inc()
	indexerBlockDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

func SetTipHeight(height uint32) {
	indexerTipHeight.Set(float64(height))
}

func SetIndexerState(state string) {
	for _, s := range indexerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		indexerState.WithLabelValues(s).Set(v)
	}
}
