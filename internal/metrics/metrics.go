// Package metrics exposes the engine's Prometheus metrics:
//   - hedge_orders_total{exchange,side}       – market orders placed
//   - hedge_parts_completed_total             – graduated entry parts committed
//   - hedge_entry_failures_total{class}       – entry sagas aborted, by error class
//   - hedge_liquidations_total{leg}           – confirmed liquidations detected
//   - hedge_active_positions                  – positions currently supervised (gauge)
//
// Registered in init() and served at /metrics by cmd/bot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_orders_total",
			Help: "Market orders placed",
		},
		[]string{"exchange", "side"},
	)

	PartsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hedge_parts_completed_total",
			Help: "Graduated entry parts committed on both legs",
		},
	)

	EntryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_entry_failures_total",
			Help: "Entry sagas aborted, by error class",
		},
		[]string{"class"},
	)

	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_liquidations_total",
			Help: "Confirmed leg liquidations",
		},
		[]string{"leg"},
	)

	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hedge_active_positions",
			Help: "Positions currently supervised",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		PartsCompleted,
		EntryFailures,
		Liquidations,
		ActivePositions,
	)
}
