package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var historyCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "history_cache",
	Name:      "lookups_total",
	Help:      "History cache lookups by result.",
}, []string{"result"})

func ObserveCacheLookup(hit bool) {
	if hit {
		historyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	historyCacheLookups.WithLabelValues("miss").Inc()
}
