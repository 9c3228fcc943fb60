// Package metrics declares the Prometheus collectors of the bounty services.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts committed operations by resulting status change.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "task",
		Name:      "transitions_total",
		Help:      "Committed task operations",
	}, []string{"op", "from", "to"})

	// RejectionsTotal counts refused operations by rejection kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "task",
		Name:      "rejections_total",
		Help:      "Refused task operations (kind=invalid_transition/unauthorized/...)",
	}, []string{"op", "kind"})

	// SettlementLegsTotal counts applied settlement legs.
	SettlementLegsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "escrow",
		Name:      "settlement_legs_total",
		Help:      "Settlement legs applied (leg=reward/refund/penalty/...)",
	}, []string{"leg", "kind"})

	// SettledAmountTotal sums the units moved per leg.
	SettledAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "escrow",
		Name:      "settled_amount_total",
		Help:      "Units moved by settlement legs",
	}, []string{"leg", "kind"})

	// ReversalFailuresTotal counts settlements that could not be undone after
	// their transition failed to commit. Each one needs manual reconciliation.
	ReversalFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "escrow",
		Name:      "reversal_failures_total",
		Help:      "Uncommitted settlements whose reversal failed",
	}, []string{"op"})

	// DisputeOutcomesTotal counts closed disputes.
	DisputeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "dispute",
		Name:      "outcomes_total",
		Help:      "Closed disputes (outcome=accepted/rejected)",
	}, []string{"outcome", "forced"})

	// SweeperRunsTotal counts sweeper calls by result.
	SweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyflow",
		Subsystem: "sweeper",
		Name:      "calls_total",
		Help:      "Time-gated operations attempted by the sweeper",
	}, []string{"op", "result"})
)

func ObserveTransition(op, from, to string) {
	TransitionsTotal.WithLabelValues(op, from, to).Inc()
}

func ObserveRejection(op, kind string) {
	RejectionsTotal.WithLabelValues(op, kind).Inc()
}

func ObserveSettlement(leg, kind string, amount int64) {
	SettlementLegsTotal.WithLabelValues(leg, kind).Inc()
	SettledAmountTotal.WithLabelValues(leg, kind).Add(float64(amount))
}

func ObserveReversalFailure(op string) {
	ReversalFailuresTotal.WithLabelValues(op).Inc()
}

func ObserveDisputeOutcome(outcome string, forced bool) {
	DisputeOutcomesTotal.WithLabelValues(outcome, strconv.FormatBool(forced)).Inc()
}

func ObserveSweep(op, result string) {
	SweeperRunsTotal.WithLabelValues(op, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
