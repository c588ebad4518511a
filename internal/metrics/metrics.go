// Package metrics registers the bot's Prometheus collectors.
//
// Exposed series:
//   - straddle_entries_total{result}       - entry attempts (opened|aborted|failed)
//   - straddle_exits_total{reason}         - closed positions by exit reason
//   - straddle_compensations_total{result} - single-leg compensations (ok|failed)
//   - straddle_pnl_usd                     - unrealized P&L of the open position
//   - straddle_combined_price_usd          - latest combined straddle price
//   - straddle_daily_pnl_usd               - realized P&L for the current day
//   - stream_resubscribes_total            - watchdog-triggered resubscriptions
//   - stream_stale_checks_total{result}    - watchdog evaluations (fresh|stale)
//
// All collectors are registered on the default registry and served by the
// status server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Entry result label values.
const (
	EntryOpened  = "opened"
	EntryAborted = "aborted"
	EntryFailed  = "failed"
)

// Compensation result label values.
const (
	CompensationOK     = "ok"
	CompensationFailed = "failed"
)

var (
	Entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "straddle_entries_total",
			Help: "Entry attempts by result",
		},
		[]string{"result"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "straddle_exits_total",
			Help: "Closed positions by exit reason",
		},
		[]string{"reason"},
	)

	Compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "straddle_compensations_total",
			Help: "Single-leg compensations after a partial entry",
		},
		[]string{"result"},
	)

	UnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "straddle_pnl_usd",
			Help: "Unrealized P&L of the open position in USD",
		},
	)

	CombinedPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "straddle_combined_price_usd",
			Help: "Latest combined straddle price",
		},
	)

	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "straddle_daily_pnl_usd",
			Help: "Realized P&L for the current trading day in USD",
		},
	)

	StreamResubscribes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_resubscribes_total",
			Help: "Watchdog-triggered stream resubscriptions",
		},
	)

	StreamStaleChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_stale_checks_total",
			Help: "Watchdog staleness evaluations",
		},
		[]string{"result"}, // fresh|stale
	)
)

func init() {
	prometheus.MustRegister(
		Entries,
		Exits,
		Compensations,
		UnrealizedPnL,
		CombinedPrice,
		DailyPnL,
		StreamResubscribes,
		StreamStaleChecks,
	)
}
