package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDrains = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "sync_drains_total",
		Help:      "Number of outbox drain cycles run by the sync coordinator.",
	})
	metricOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "sync_operations_total",
		Help:      "Outbox operations dispatched, by kind and result.",
	}, []string{"kind", "result"})
	metricOpsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "outbox_coalesced_total",
		Help:      "Mutations merged into an operation already queued.",
	})
	metricOpsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "outbox_cancelled_total",
		Help:      "Queued operations dropped by a local delete before reaching the server.",
	})
	metricReconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "reconciliations_total",
		Help:      "Temporary identifiers replaced with server identifiers.",
	})
	metricOutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Name:      "outbox_depth",
		Help:      "Operations waiting in the outbox after the last drain.",
	})
	metricRehydrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Name:      "rehydrations_total",
		Help:      "Service cache rehydrations, by result.",
	}, []string{"result"})
)

func recordOp(kind, result string) {
	metricOps.WithLabelValues(kind, result).Inc()
}
