package monitor

import (
	"time"

	"github.com/coreos/fedmsg-go/contracts"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements messaging.MetricsCollector on Prometheus
// counters and histograms.
type PrometheusCollector struct {
	publishes       *prometheus.CounterVec
	publishDuration prometheus.Histogram
	outcomes        *prometheus.CounterVec
	waitTime        *prometheus.HistogramVec
	errors          *prometheus.CounterVec
}

type collectorConfig struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64
}

// CollectorOption configures a PrometheusCollector
type CollectorOption func(*collectorConfig)

// WithRegisterer registers the metrics with r instead of the default registry
func WithRegisterer(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) {
		c.registerer = r
	}
}

// WithNamespace sets the metric name prefix
func WithNamespace(namespace string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithWaitBuckets sets the histogram buckets for request wait time, in seconds
func WithWaitBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// NewPrometheusCollector creates and registers the collector's metrics.
func NewPrometheusCollector(opts ...CollectorOption) (*PrometheusCollector, error) {
	cfg := collectorConfig{
		registerer: prometheus.DefaultRegisterer,
		namespace:  "fedmsg",
		// signing and imports can take up to the 15 minute default timeout
		buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &PrometheusCollector{
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: cfg.namespace, Name: "publishes_total", Help: "messages published by topic and result"},
			[]string{"topic", "result"},
		),
		publishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.namespace,
				Name:      "publish_duration_seconds",
				Help:      "time until the broker accepted a publish",
				Buckets:   prometheus.DefBuckets,
			},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: cfg.namespace, Name: "request_outcomes_total", Help: "correlated request outcomes by type and kind"},
			[]string{"request_type", "outcome"},
		),
		waitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.namespace,
				Name:      "request_wait_seconds",
				Help:      "time from publish to terminal outcome",
				Buckets:   cfg.buckets,
			},
			[]string{"request_type"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: cfg.namespace, Name: "errors_total", Help: "errors that prevented an outcome"},
			[]string{"component", "error_type"},
		),
	}

	for _, collector := range []prometheus.Collector{c.publishes, c.publishDuration, c.outcomes, c.waitTime, c.errors} {
		if err := cfg.registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(topic string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	c.publishes.WithLabelValues(topic, result).Inc()
	c.publishDuration.Observe(duration.Seconds())
}

// RecordOutcome implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordOutcome(requestType string, kind contracts.OutcomeKind, elapsed time.Duration) {
	c.outcomes.WithLabelValues(requestType, kind.String()).Inc()
	c.waitTime.WithLabelValues(requestType).Observe(elapsed.Seconds())
}

// RecordError implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordError(component string, errorType string) {
	c.errors.WithLabelValues(component, errorType).Inc()
}
