// Package metrics records messaging activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mmate"

// Collector implements messaging.MetricsCollector with Prometheus metrics
type Collector struct {
	published  *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	requests   *prometheus.CounterVec
	requestDur *prometheus.HistogramVec
	handlerDur *prometheus.HistogramVec
	pending    prometheus.Gauge
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Envelopes published by pattern, kind and result",
			},
			[]string{"pattern", "kind", "result"},
		),
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dispatched_total",
				Help:      "Inbound envelopes handled by pattern and result",
			},
			[]string{"pattern", "result"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed request/reply exchanges by pattern and result",
			},
			[]string{"pattern", "result"},
		),
		requestDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Round-trip time of request/reply exchanges",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pattern"},
		),
		handlerDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Time spent dispatching inbound envelopes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pattern"},
		),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply",
		}),
	}
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(pattern, kind string, err error) {
	result := messaging.OutcomeSuccess
	if err != nil {
		result = messaging.OutcomeError
	}
	c.published.WithLabelValues(pattern, kind, result).Inc()
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(pattern string, d time.Duration, outcome string) {
	c.requests.WithLabelValues(pattern, outcome).Inc()
	c.requestDur.WithLabelValues(pattern).Observe(d.Seconds())
}

// RecordDispatch implements messaging.MetricsCollector
func (c *Collector) RecordDispatch(pattern string, d time.Duration, outcome string) {
	c.dispatched.WithLabelValues(pattern, outcome).Inc()
	c.handlerDur.WithLabelValues(pattern).Observe(d.Seconds())
}

// SetPendingRequests implements messaging.MetricsCollector
func (c *Collector) SetPendingRequests(n int) {
	c.pending.Set(float64(n))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
