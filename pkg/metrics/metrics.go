package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders accepted by the engine by type and side
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_orders_processed_total",
		Help: "Total number of orders processed by the engine",
	},
	[]string{"type", "side"},
)

// OrderLatency records latency distribution for order processing
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pincex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// Trade execution
var (
	TradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_trades_executed_total",
			Help: "Number of trades executed per pair",
		},
		[]string{"pair"},
	)

	TradeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_trade_failures_total",
			Help: "Trade attempts skipped because settlement could not complete",
		},
		[]string{"pair", "reason"},
	)
)

// Ledger
var (
	UnlockClamped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_unlock_clamped_total",
			Help: "Unlocks where the requested amount exceeded the locked balance",
		},
		[]string{"currency"},
	)

	SettlementShortfall = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_settlement_shortfall_total",
			Help: "Settlements that drew from available because locked funds did not cover the trade",
		},
		[]string{"currency"},
	)

	BalanceLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincex_balance_lock_wait_seconds",
			Help:    "Time spent waiting for balance record locks",
			Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
		},
	)
)

// Market data and withdrawals
var (
	BroadcastFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_market_broadcast_failures_total",
			Help: "Market tick broadcasts that failed",
		},
		[]string{"broadcaster"},
	)

	WithdrawalsRequested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_withdrawals_requested_total",
			Help: "Withdrawal requests by risk tier",
		},
		[]string{"currency", "tier"},
	)
)

// WebSocket fan-out
var (
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_ws_clients",
			Help: "Connected websocket clients",
		},
	)

	WSDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pincex_ws_messages_dropped_total",
			Help: "Messages dropped for slow websocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrderLatency)
	prometheus.MustRegister(TradesExecuted, TradeFailures)
	prometheus.MustRegister(UnlockClamped, SettlementShortfall, BalanceLockWait)
	prometheus.MustRegister(BroadcastFailures, WithdrawalsRequested)
	prometheus.MustRegister(WSClients, WSDropped)
}
