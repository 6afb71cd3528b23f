package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments shared by the ingest, worker and
// api services. Every method is a no-op on a nil *Metrics so components can be
// built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	payloadsDropped prometheus.Counter
	activeStreams   prometheus.Gauge

	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec

	uploadsTotal   *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec
	watchedStreams prometheus.Gauge
}

// New creates and registers the metrics under the given namespace
// (e.g. "ingest", "worker", "api").
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Ingest sessions that reached STREAMING",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Ingest sessions that reached ENDED, by termination reason",
		}, []string{"reason"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Media bytes forwarded to encoders",
		}),
		payloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_dropped_total",
			Help:      "Media payloads dropped because the encoder input was not accepting",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of live streams known to this service",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Stream events handed to the bus, by type and result",
		}, []string{"type", "result"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Stream events delivered to a handler, by type and result",
		}, []string{"type", "result"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Artifact uploads to the object store, by kind and result",
		}, []string{"kind", "result"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Artifact upload latency",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		watchedStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_streams",
			Help:      "Output directories currently under observation",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStarted,
		m.sessionsEnded,
		m.bytesReceived,
		m.payloadsDropped,
		m.activeStreams,
		m.eventsPublished,
		m.eventsConsumed,
		m.uploadsTotal,
		m.uploadDuration,
		m.watchedStreams,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the started sessions counter.
func (m *Metrics) IncSessionsStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// IncSessionsEnded increments the ended sessions counter for reason.
func (m *Metrics) IncSessionsEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

// AddBytesReceived adds n ingested bytes.
func (m *Metrics) AddBytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// IncPayloadsDropped counts a payload the encoder could not take.
func (m *Metrics) IncPayloadsDropped() {
	if m == nil {
		return
	}
	m.payloadsDropped.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// ObservePublish records the outcome of one publish attempt.
func (m *Metrics) ObservePublish(eventType string, err error) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, result(err)).Inc()
}

// ObserveConsume records the outcome of one handler invocation.
func (m *Metrics) ObserveConsume(eventType string, err error) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(eventType, result(err)).Inc()
}

// ObserveUpload records the outcome and latency of one artifact upload.
func (m *Metrics) ObserveUpload(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(kind, result(err)).Inc()
	m.uploadDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetWatchedStreams sets the watched streams gauge.
func (m *Metrics) SetWatchedStreams(n int) {
	if m == nil {
		return
	}
	m.watchedStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
