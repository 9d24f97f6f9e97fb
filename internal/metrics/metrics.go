// Package metrics holds the Prometheus collectors of the engine. They are
// registered with the default registry in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PhaseExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_executions_total",
			Help: "Phases recorded as executed",
		},
		[]string{"symbol", "strategy"},
	)

	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_order_failures_total",
			Help: "Sell orders that failed, split by reason (rejected|unknown_outcome|no_fill)",
		},
		[]string{"symbol", "reason"},
	)

	PendingOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phase_pending_orders",
			Help: "Orders with an unknown outcome awaiting reconciliation",
		},
		[]string{"symbol"},
	)

	RealizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phase_realized_profit",
			Help: "Realized profit per position in quote currency",
		},
		[]string{"position"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phase_open_positions",
			Help: "Positions with a running actor",
		},
	)

	DroppedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_dropped_ticks_total",
			Help: "Ticks dropped because a position queue was full",
		},
		[]string{"symbol"},
	)

	PersistRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_persist_retries_total",
			Help: "Background persistence attempts that failed and were retried",
		},
		[]string{"task"},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_persist_dead_letters_total",
			Help: "Background persistence tasks given up after all attempts",
		},
		[]string{"task"},
	)

	WriterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phase_writer_queue_depth",
			Help: "Tasks waiting in the background writer queue",
		},
	)

	CheckpointTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phase_checkpoint_timeouts_total",
			Help: "Pre-submit snapshots not stored in time",
		},
	)
)

func init() {
	prometheus.MustRegister(PhaseExecutions, OrderFailures, PendingOrders, RealizedProfit, OpenPositions)
	prometheus.MustRegister(DroppedTicks)
	prometheus.MustRegister(PersistRetries, DeadLetters, WriterQueueDepth, CheckpointTimeouts)
}
