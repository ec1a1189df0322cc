package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalbot_pipeline_runs_total",
			Help: "Total pipeline runs by final status",
		},
		[]string{"status"},
	)

	PipelineStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalbot_pipeline_step_duration_seconds",
			Help:    "Per-step pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step", "status"},
	)

	ExamplesBuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalbot_examples_built_total",
			Help: "Total feature examples built",
		},
	)

	SignalsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalbot_signals_published_total",
			Help: "Total signals published in top sets",
		},
	)

	OrdersPlaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalbot_orders_placed_total",
			Help: "Total simulated orders placed",
		},
	)

	MarketsSettled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalbot_markets_settled_total",
			Help: "Total markets settled from observation history",
		},
	)

	CommittedNotional = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kalbot_committed_notional_dollars",
			Help: "Notional committed by the most recent run",
		},
	)
)
