// Package metrics holds the agent's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CyclesTotal, CycleDuration,
		DeliveriesTotal, DeliveryAttempts,
		OutboxDepth, DeadLettersTotal,
		WatermarkSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// CyclesTotal counts sync cycles by disposition or "error".
var CyclesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pdvsync_cycles_total",
		Help: "Sync cycles by result.",
	},
	[]string{"result"}, // delivered | queued | dead_lettered | skipped | error
)

var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pdvsync_cycle_duration_seconds",
		Help:    "Duration of a full sync cycle.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	},
)

var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pdvsync_deliveries_total",
		Help: "Envelope deliveries by source and outcome.",
	},
	[]string{"source", "outcome"}, // source: window | outbox | replay
)

var DeliveryAttempts = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pdvsync_delivery_attempts",
		Help:    "HTTP attempts used by one delivery.",
		Buckets: []float64{1, 2, 3, 4, 5},
	},
)

var OutboxDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pdvsync_outbox_depth",
		Help: "Envelopes waiting in the outbox after the last drain.",
	},
)

var DeadLettersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pdvsync_dead_letters_total",
		Help: "Envelopes moved to the dead letter store by reason.",
	},
	[]string{"reason"},
)

// WatermarkSeconds is the unix time of the last committed window end.
var WatermarkSeconds = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pdvsync_watermark_timestamp_seconds",
		Help: "Unix time of the persisted watermark.",
	},
)

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
