// Package metrics defines the Prometheus instruments of the prompt pipeline.
// All instruments live on a dedicated registry so tests can create isolated
// sets; a nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptd"

// Processing outcomes recorded by the processor.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeSkipped   = "skipped"
)

// Metrics bundles every pipeline instrument.
type Metrics struct {
	registry *prometheus.Registry

	PromptsCreated     prometheus.Counter
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	RateLimited        *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	ConsumerFatal      prometheus.Counter
	ConsumersRunning   prometheus.Gauge
	Reconciled         *prometheus.CounterVec
}

// New creates the instruments and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PromptsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompts_created_total",
			Help:      "Prompts accepted and enqueued.",
		}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Queue deliveries handled, by outcome.",
		}, []string{"outcome"}), // completed | failed | retried | skipped
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "End-to-end handling time of one delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Calls to the AI provider, by operation and result kind.",
		}, []string{"op", "result"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of AI provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the local token bucket.",
		}, []string{"op"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Messages routed to the dead-letter destination, by reason.",
		}, []string{"reason"}),
		ConsumerFatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_fatal_total",
			Help:      "Consumers stopped because a failure could not be recorded. Page on any increase.",
		}),
		ConsumersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_running",
			Help:      "Consumers currently attached to the queue.",
		}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Stale prompts handled by the reconciler, by action.",
		}, []string{"action"}), // republished | expired
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PromptsCreated, m.MessagesProcessed, m.ProcessingDuration,
		m.ProviderRequests, m.ProviderDuration, m.RateLimited,
		m.DeadLettered, m.ConsumerFatal, m.ConsumersRunning, m.Reconciled,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProcessed records one handled delivery.
func (m *Metrics) ObserveProcessed(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(outcome).Inc()
	m.ProcessingDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveProvider records one provider call; result is "ok" or a failure
// kind.
func (m *Metrics) ObserveProvider(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(op, result).Inc()
	m.ProviderDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// IncRateLimited counts a call rejected by the local limiter.
func (m *Metrics) IncRateLimited(op string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(op).Inc()
}

// IncDeadLettered counts a dead-lettered message.
func (m *Metrics) IncDeadLettered(reason string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(reason).Inc()
}

// IncConsumerFatal counts a consumer that had to stop.
func (m *Metrics) IncConsumerFatal() {
	if m == nil {
		return
	}
	m.ConsumerFatal.Inc()
}

// IncPromptsCreated counts an accepted prompt.
func (m *Metrics) IncPromptsCreated() {
	if m == nil {
		return
	}
	m.PromptsCreated.Inc()
}

// AddConsumers adjusts the running consumer gauge.
func (m *Metrics) AddConsumers(delta float64) {
	if m == nil {
		return
	}
	m.ConsumersRunning.Add(delta)
}

// IncReconciled counts a reconciler action.
func (m *Metrics) IncReconciled(action string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(action).Inc()
}
