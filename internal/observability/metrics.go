// Package observability exposes SDK activity as Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	safenest "github.com/safenest/gosdk"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	streamSessions  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safenest_requests_total",
				Help: "Total number of API attempts, by outcome.",
			},
			[]string{"path", "method", "status", "kind"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safenest_request_duration_seconds",
				Help:    "API attempt duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safenest_retries_total",
				Help: "Total number of retries scheduled, by the kind of the failure.",
			},
			[]string{"kind"},
		),
		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safenest_stream_events_total",
				Help: "Total number of streaming events received.",
			},
			[]string{"type"},
		),
		streamSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safenest_stream_sessions_total",
				Help: "Total number of streaming sessions, by final state.",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.streamEvents,
		m.streamSessions,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one attempt. It has the signature of safenest.ObserverFunc.
func (m *Metrics) ObserveRequest(o safenest.Observation) {
	if m == nil {
		return
	}
	path := o.Path
	if path == "" {
		path = "unknown"
	}
	kind := string(o.Kind)
	if kind == "" {
		kind = "ok"
	}
	m.requestsTotal.WithLabelValues(path, o.Method, strconv.Itoa(o.StatusCode), kind).Inc()
	m.requestDuration.WithLabelValues(path, o.Method).Observe(o.Duration.Seconds())
}

// ObserveRetry records a scheduled retry. It can be called from RetryConfig.OnRetry.
func (m *Metrics) ObserveRetry(err error) {
	if m == nil {
		return
	}
	kind := string(safenest.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.retriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStreamEvent(t safenest.EventType) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(string(t)).Inc()
}

// ObserveStreamState counts sessions that reached a terminal state.
func (m *Metrics) ObserveStreamState(_, to safenest.State) {
	if m == nil || !to.IsTerminal() {
		return
	}
	m.streamSessions.WithLabelValues(to.String()).Inc()
}
