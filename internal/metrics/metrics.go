package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "events2pulsar"

// Failure reasons used as the "reason" label.
const (
	ReasonMalformedBatch = "malformed_batch"
	ReasonMalformedEvent = "malformed_event"
	ReasonSerialization  = "serialization"
	ReasonPublish        = "publish"
	ReasonBodyTooLarge   = "body_too_large"
	ReasonReadBody       = "read_body"
)

// Metrics groups the collectors of the ingestion pipeline.
type Metrics struct {
	batches        prometheus.Counter
	eventsReceived prometheus.Counter
	published      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	publishLatency prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.batches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_received_total",
		Help:      "Number of event batches received over HTTP.",
	})
	m.eventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Number of events extracted from well-formed batches.",
	})
	m.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Number of events published, by routing key.",
	}, []string{"routing_key"})
	m.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Number of failed batches, by reason.",
	}, []string{"reason"})
	m.publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Duration of a single synchronous publish.",
		Buckets:   prometheus.DefBuckets,
	})

	reg.MustRegister(m.batches, m.eventsReceived, m.published, m.failures, m.publishLatency)
	return m
}

func (m *Metrics) BatchReceived(events int) {
	m.batches.Inc()
	m.eventsReceived.Add(float64(events))
}

func (m *Metrics) Published(routingKey string, took time.Duration) {
	m.published.WithLabelValues(routingKey).Inc()
	m.publishLatency.Observe(took.Seconds())
}

func (m *Metrics) Failed(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}
