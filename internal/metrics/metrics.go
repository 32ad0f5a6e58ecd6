// Package metrics exposes the engine's Prometheus collectors, served at
// /metrics by the web server in text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_stream_events_total",
			Help: "Decoded market-data events by type",
		},
		[]string{"type"},
	)

	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_stream_reconnects_total",
			Help: "Websocket reconnect attempts",
		},
	)

	simTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sim_trades_total",
			Help: "Simulated trades by result (open|win|loss)",
		},
		[]string{"result"},
	)

	simExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sim_exit_reasons_total",
			Help: "Simulated trade exits by reason and side",
		},
		[]string{"reason", "side"},
	)

	simRealizedPnl = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_sim_realized_pnl_usd",
			Help: "Cumulative realized simulated PnL in USD",
		},
	)

	liveOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_live_orders_total",
			Help: "Live orders placed by mode and side",
		},
		[]string{"mode", "side"},
	)

	liveOrderErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_live_order_errors_total",
			Help: "Live order placements that failed",
		},
	)

	liveIncomeNet = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_live_income_net_usd",
			Help: "Net USD from the venue income ledger",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsDecoded, streamReconnects)
	prometheus.MustRegister(simTrades, simExitReasons, simRealizedPnl)
	prometheus.MustRegister(liveOrders, liveOrderErrors, liveIncomeNet)
}

func IncEventsDecoded(eventType string) { eventsDecoded.WithLabelValues(eventType).Inc() }
func IncStreamReconnects()              { streamReconnects.Inc() }
func IncSimTrades(result string)        { simTrades.WithLabelValues(result).Inc() }
func IncSimExit(reason, side string)    { simExitReasons.WithLabelValues(reason, side).Inc() }
func SetSimRealizedPnl(v float64)       { simRealizedPnl.Set(v) }
func IncLiveOrders(mode, side string)   { liveOrders.WithLabelValues(mode, side).Inc() }
func IncLiveOrderErrors()               { liveOrderErrors.Inc() }
func SetLiveIncomeNet(v float64)        { liveIncomeNet.Set(v) }
