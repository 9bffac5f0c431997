// Package metrics is the internal Titan core metrics registry. It
// exposes the counters and gauges the spec names explicitly (per-consumer
// pending/redelivery/lag in §4.C, Truth Score and posture in §4.H/§4.K)
// using prometheus/client_golang, grounded on
// internal/interfaces/http/metrics.go. Scraping is an external
// collaborator's concern (out of scope per spec §1); this package only
// registers and updates the series.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Registry = prometheus.NewRegistry()

	GateRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_gate_rejections_total",
		Help: "Intents rejected by the risk gate chain, by gate and reason.",
	}, []string{"gate", "reason"})

	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_orders_placed_total",
		Help: "Orders placed, by venue.",
	}, []string{"venue"})

	DLQMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_dlq_messages_total",
		Help: "Messages routed to a dead-letter subject, by stream and subject.",
	}, []string{"stream", "subject"})

	ConsumerPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "titan_consumer_pending",
		Help: "Pending (unacked) messages per consumer.",
	}, []string{"stream", "consumer"})

	ConsumerRedeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_consumer_redeliveries_total",
		Help: "Redelivery attempts per consumer.",
	}, []string{"stream", "consumer"})

	ConsumerLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "titan_consumer_lag",
		Help: "Sequence lag behind the head of stream per consumer.",
	}, []string{"stream", "consumer"})

	TruthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titan_truth_score",
		Help: "Current Truth Score in [0,100].",
	})

	Posture = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titan_posture",
		Help: "Current posture: 0=NORMAL 1=DEFENSIVE 2=HALTED.",
	})

	DriftAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titan_drift_alerts_total",
		Help: "Drift alerts raised by the reconciliation engine, by venue and symbol.",
	}, []string{"venue", "symbol"})
)

func init() {
	Registry.MustRegister(
		GateRejections,
		OrdersPlaced,
		DLQMessages,
		ConsumerPending,
		ConsumerRedeliveries,
		ConsumerLag,
		TruthScore,
		Posture,
		DriftAlerts,
	)
}
