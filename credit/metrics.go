package credit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation counters, exposed on the server's /metrics endpoint.
var (
	grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "grants_total",
		Help:      "Grant operations committed, by entry kind.",
	}, []string{"kind"})

	creditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "credits_granted_total",
		Help:      "Credits added by grant operations, by entry kind.",
	}, []string{"kind"})

	consumesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "consumes_total",
		Help:      "Consume operations committed.",
	})

	consumesDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "consumes_denied_total",
		Help:      "Consume operations rejected before mutation (insufficient balance or bad input).",
	})

	creditsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "credits_consumed_total",
		Help:      "Credits deducted by consume operations.",
	})

	entriesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "entries_swept_total",
		Help:      "Ledger entries finalized by expiration sweeps.",
	})

	creditsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "credits_expired_total",
		Help:      "Credits zeroed by expiration sweeps.",
	})

	refreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "credit_ledger",
		Name:      "monthly_refreshes_total",
		Help:      "Monthly refresh grants created.",
	})
)
