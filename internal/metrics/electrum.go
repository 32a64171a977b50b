package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	electrumSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "electrum",
		Name:      "sessions",
		Help:      "Number of open client sessions.",
	})
	electrumRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "electrum",
		Name:      "requests_total",
		Help:      "Count of client requests per method.",
	}, []string{"method", "status"})
	electrumRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "electrum",
		Name:      "request_duration_seconds",
		Help:      "Duration of client requests per method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
	electrumNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "electrum",
		Name:      "notifications_total",
		Help:      "Count of queued subscription notifications.",
	}, []string{"kind"})
	electrumOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "electrum",
		Name:      "outbound_overflows_total",
		Help:      "Count of sessions closed because their outbound queue was full.",
	})
)

func SessionOpened() { electrumSessions.Inc() }
func SessionClosed() { electrumSessions.Dec() }

func ObserveRequest(method string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	electrumRequestsTotal.WithLabelValues(method, status).Inc()
	electrumRequestDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
}

// ObserveNotification counts one queued notification of kind "scripthash" or "headers".
func ObserveNotification(kind string) {
	electrumNotificationsTotal.WithLabelValues(kind).Inc()
}

func ObserveOverflow() {
	electrumOverflowsTotal.Inc()
}
