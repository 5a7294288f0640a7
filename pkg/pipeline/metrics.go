package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors
type Metrics struct {
	assessments      *prometheus.CounterVec
	stageLatency     *prometheus.HistogramVec
	verifications    *prometheus.CounterVec
	snifferDispatch  *prometheus.CounterVec
	visionUpdates    prometheus.Counter
	sinkErrors       *prometheus.CounterVec
	alertsSuppressed prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assessments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firegrid_assessments_total",
				Help: "Completed fire-risk assessments by decision",
			},
			[]string{"decision"},
		),
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "firegrid_stage_latency_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"stage"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firegrid_satellite_verifications_total",
				Help: "Satellite hotspot verifications by outcome",
			},
			[]string{"verified"},
		),
		snifferDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firegrid_sniffer_dispatches_total",
				Help: "Sniffer searches by termination reason",
			},
			[]string{"termination"},
		),
		visionUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "firegrid_vision_updates_total",
				Help: "Vision detections folded into the vision state",
			},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firegrid_sink_errors_total",
				Help: "Failures handing assessments to sinks",
			},
			[]string{"sink"},
		),
		alertsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "firegrid_alerts_suppressed_total",
				Help: "Alerts dropped by the rate limiter",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.assessments,
			m.stageLatency,
			m.verifications,
			m.snifferDispatch,
			m.visionUpdates,
			m.sinkErrors,
			m.alertsSuppressed,
		)
	}
	return m
}

// AlertSuppressed counts an alert dropped by an AlertLimiter
func (m *Metrics) AlertSuppressed() {
	m.alertsSuppressed.Inc()
}
