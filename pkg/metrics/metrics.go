package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chargerudder"

var (
	// PriceRefreshes counts refresh attempts by target day and outcome.
	PriceRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_refresh_total",
		Help:      "Price series refreshes by target (today/tomorrow) and outcome.",
	}, []string{"target", "outcome"})

	// RetailDiffUpdates counts retail diff reconciliations by outcome
	// (updated/degraded).
	RetailDiffUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retail_diff_total",
		Help:      "Retail diff reconciliations by outcome.",
	}, []string{"outcome"})

	RetailDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retail_diff_euros",
		Help:      "Current margin between the retail tariff and the market price in EUR/kWh.",
	})

	StateCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_commits_total",
		Help:      "Committed charge state transitions by device and state.",
	}, []string{"device", "state"})

	HeldTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "held_transitions_total",
		Help:      "Charging category switches held back by the minimum dwell time.",
	}, []string{"device"})

	Ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Condition callback evaluations by device.",
	}, []string{"device"})

	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_errors_total",
		Help:      "Failed capability pushes by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(
		PriceRefreshes,
		RetailDiffUpdates,
		RetailDiff,
		StateCommits,
		HeldTransitions,
		Ticks,
		SinkErrors,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
