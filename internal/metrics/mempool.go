package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mempoolTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mempool",
		Name:      "transactions",
		Help:      "Number of tracked unconfirmed transactions.",
	})
	mempoolRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mempool",
		Name:      "refresh_total",
		Help:      "Count of mempool refreshes.",
	}, []string{"status"})
	mempoolRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mempool",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of a mempool refresh.",
		Buckets:   prometheus.DefBuckets,
	})
)

func ObserveMempoolRefresh(err error, txCount int, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		mempoolTxs.Set(float64(txCount))
	}
	mempoolRefreshTotal.WithLabelValues(status).Inc()
	mempoolRefreshDuration.Observe(time.Since(started).Seconds())
}
