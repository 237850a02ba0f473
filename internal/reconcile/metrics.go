package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "reconcile",
		Name:      "cycles_total",
		Help:      "Reconciliation cycles by outcome.",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tronpay",
		Subsystem: "reconcile",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one reconciliation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "reconcile",
		Name:      "transactions_total",
		Help:      "Feed transactions handled, by disposition.",
	}, []string{"disposition"})

	formsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "reconcile",
		Name:      "forms_expired_total",
		Help:      "Forms flipped to expired by the sweep.",
	})

	matchAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "reconcile",
		Name:      "match_anomalies_total",
		Help:      "Duplicate or conflicting transfers for an already matched tag.",
	})
)
