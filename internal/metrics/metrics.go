// Package metrics holds the Prometheus instrumentation for the detection
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingest
	SamplesAccepted *prometheus.CounterVec
	SamplesRejected *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec

	// Model
	FeaturesImputed prometheus.Counter
	ScoreLatency    prometheus.Histogram

	// Detection
	Detections    *prometheus.CounterVec
	LeakVerdicts  *prometheus.CounterVec
	PipelineDepth *prometheus.GaugeVec

	// Alerts
	AlertsCreated  *prometheus.CounterVec
	AlertsByStatus *prometheus.GaugeVec
	Notifications  *prometheus.CounterVec
	ValveCommands  *prometheus.CounterVec

	// Fan-out
	HubDelivered *prometheus.CounterVec
	HubDropped   *prometheus.CounterVec
}

// New creates and registers all pipeline metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		SamplesAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_samples_accepted_total",
				Help: "Raw samples accepted by the preprocessor",
			},
			[]string{"location"},
		),

		SamplesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_samples_rejected_total",
				Help: "Raw samples rejected by validation",
			},
			[]string{"location", "reason"},
		),

		SamplesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_samples_dropped_total",
				Help: "Samples dropped by ingest backpressure",
			},
			[]string{"location"},
		),

		FeaturesImputed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "leakdetect_features_imputed_total",
				Help: "Query features absent from the training schema, imputed as zero",
			},
		),

		ScoreLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leakdetect_score_duration_seconds",
				Help:    "Isolation forest scoring latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		Detections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_detections_total",
				Help: "Fused detection results by severity",
			},
			[]string{"location", "severity"},
		),

		LeakVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_leak_verdicts_total",
				Help: "Detection results with is_leak set",
			},
			[]string{"location"},
		),

		PipelineDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leakdetect_ingest_queue_depth",
				Help: "Pending samples in each location's ingest queue",
			},
			[]string{"location"},
		),

		AlertsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_alerts_created_total",
				Help: "Alerts created by severity",
			},
			[]string{"severity"},
		),

		AlertsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leakdetect_alerts_by_status",
				Help: "Current alert counts by lifecycle status",
			},
			[]string{"status"},
		),

		Notifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_notifications_total",
				Help: "Notification delivery attempts by channel and outcome",
			},
			[]string{"channel", "status"}, // status: sent, failed
		),

		ValveCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_valve_commands_total",
				Help: "Valve actuator commands by operation and result",
			},
			[]string{"op", "result"}, // result: ok, failed, redundant
		),

		HubDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_hub_delivered_total",
				Help: "Messages delivered to hub subscribers by topic",
			},
			[]string{"topic"},
		),

		HubDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leakdetect_hub_dropped_total",
				Help: "Messages dropped because a subscriber buffer was full",
			},
			[]string{"topic"},
		),
	}
}

// Nop returns a Metrics backed by unregistered collectors, for tests that
// construct components repeatedly without fighting the default registry.
func Nop() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		SamplesAccepted: factory.NewCounterVec(prometheus.CounterOpts{Name: "samples_accepted_total", Help: "t"}, []string{"location"}),
		SamplesRejected: factory.NewCounterVec(prometheus.CounterOpts{Name: "samples_rejected_total", Help: "t"}, []string{"location", "reason"}),
		SamplesDropped:  factory.NewCounterVec(prometheus.CounterOpts{Name: "samples_dropped_total", Help: "t"}, []string{"location"}),
		FeaturesImputed: factory.NewCounter(prometheus.CounterOpts{Name: "features_imputed_total", Help: "t"}),
		ScoreLatency:    factory.NewHistogram(prometheus.HistogramOpts{Name: "score_duration_seconds", Help: "t"}),
		Detections:      factory.NewCounterVec(prometheus.CounterOpts{Name: "detections_total", Help: "t"}, []string{"location", "severity"}),
		LeakVerdicts:    factory.NewCounterVec(prometheus.CounterOpts{Name: "leak_verdicts_total", Help: "t"}, []string{"location"}),
		PipelineDepth:   factory.NewGaugeVec(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "t"}, []string{"location"}),
		AlertsCreated:   factory.NewCounterVec(prometheus.CounterOpts{Name: "alerts_created_total", Help: "t"}, []string{"severity"}),
		AlertsByStatus:  factory.NewGaugeVec(prometheus.GaugeOpts{Name: "alerts_by_status", Help: "t"}, []string{"status"}),
		Notifications:   factory.NewCounterVec(prometheus.CounterOpts{Name: "notifications_total", Help: "t"}, []string{"channel", "status"}),
		ValveCommands:   factory.NewCounterVec(prometheus.CounterOpts{Name: "valve_commands_total", Help: "t"}, []string{"op", "result"}),
		HubDelivered:    factory.NewCounterVec(prometheus.CounterOpts{Name: "hub_delivered_total", Help: "t"}, []string{"topic"}),
		HubDropped:      factory.NewCounterVec(prometheus.CounterOpts{Name: "hub_dropped_total", Help: "t"}, []string{"topic"}),
	}
}
