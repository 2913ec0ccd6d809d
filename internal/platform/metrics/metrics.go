// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skillbridge"

// Registry owns a private Prometheus registry and the collectors recorded by handlers and services.
type Registry struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	intents         *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	idempotencyHits *prometheus.CounterVec
}

// New registers every collector on a fresh registry. Runtime collectors are included when withRuntime is set.
func New(withRuntime bool) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transition attempts by outcome.",
		}, []string{"from", "to", "outcome"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "intents_total",
			Help:      "Payment intents requested by provider and outcome.",
		}, []string{"provider", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Payment webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		idempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "lookups_total",
			Help:      "Idempotency key lookups by state.",
		}, []string{"state"}),
	}

	r.registry.MustRegister(
		r.httpRequests,
		r.httpDuration,
		r.transitions,
		r.intents,
		r.webhookEvents,
		r.settlements,
		r.rateLimited,
		r.idempotencyHits,
	)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveRequest records one completed HTTP request. Route is the chi pattern, never the raw path.
func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	route = label(route)
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordTransition counts an order status transition attempt.
func (r *Registry) RecordTransition(from, to, outcome string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(label(from), label(to), label(outcome)).Inc()
}

// RecordIntent counts a payment intent request.
func (r *Registry) RecordIntent(provider, outcome string) {
	if r == nil {
		return
	}
	r.intents.WithLabelValues(label(provider), label(outcome)).Inc()
}

// RecordWebhookEvent counts a webhook delivery.
func (r *Registry) RecordWebhookEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(label(eventType), label(outcome)).Inc()
}

// RecordSettlement counts a settlement attempt.
func (r *Registry) RecordSettlement(outcome string) {
	if r == nil {
		return
	}
	r.settlements.WithLabelValues(label(outcome)).Inc()
}

// RecordRateLimited counts a request rejected by the limiter.
func (r *Registry) RecordRateLimited(route string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(label(route)).Inc()
}

// RecordIdempotency counts an idempotency lookup outcome (acquired, replay, in_flight, conflict).
func (r *Registry) RecordIdempotency(state string) {
	if r == nil {
		return
	}
	r.idempotencyHits.WithLabelValues(label(state)).Inc()
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
