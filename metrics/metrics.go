// Package metrics exposes Prometheus metrics for the poll pipeline and the HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nextcloud_notifier"

// Collector owns a private registry with pipeline and HTTP metrics.
type Collector struct {
	registry          *prometheus.Registry
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	ticks             *prometheus.CounterVec
	activitiesFetched prometheus.Counter
	eventsSkipped     *prometheus.CounterVec
	eventsDispatched  prometheus.Counter
	batchFailures     prometheus.Counter
	enrichFailures    prometheus.Counter
	knownKeys         prometheus.Gauge
}

// New constructs a collector and registers all metrics.
func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "ticks_total",
			Help:      "Poll ticks by outcome.",
		}, []string{"outcome"}),
		activitiesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "activities_fetched_total",
			Help:      "Activities returned by the feed.",
		}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "events_skipped_total",
			Help:      "Events not dispatched, by reason.",
		}, []string{"reason"}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "events_dispatched_total",
			Help:      "Events delivered to the sink.",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "batch_failures_total",
			Help:      "Batches the sink rejected.",
		}),
		enrichFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "enrich_failures_total",
			Help:      "Events dispatched without resolver fields because enrichment failed.",
		}),
		knownKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "known_keys",
			Help:      "Delivery keys remembered by the deduplicator.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.ticks,
		c.activitiesFetched,
		c.eventsSkipped,
		c.eventsDispatched,
		c.batchFailures,
		c.enrichFailures,
		c.knownKeys,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Tick counts a finished tick.
func (c *Collector) Tick(outcome string) { c.ticks.WithLabelValues(outcome).Inc() }

// ActivitiesFetched counts activities returned by a fetch.
func (c *Collector) ActivitiesFetched(n int) { c.activitiesFetched.Add(float64(n)) }

// EventsSkipped counts events dropped for reason.
func (c *Collector) EventsSkipped(reason string, n int) {
	if n > 0 {
		c.eventsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}

// EventsDispatched counts delivered events.
func (c *Collector) EventsDispatched(n int) { c.eventsDispatched.Add(float64(n)) }

// BatchFailed counts a rejected batch.
func (c *Collector) BatchFailed() { c.batchFailures.Inc() }

// EnrichFailed counts a failed enrichment.
func (c *Collector) EnrichFailed() { c.enrichFailures.Inc() }

// KnownKeys sets the size of the delivered key set.
func (c *Collector) KnownKeys(n int) { c.knownKeys.Set(float64(n)) }

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics. next
// is expected to be an *http.ServeMux so requests carry their route pattern.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		path := routeLabel(r)
		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel returns the ServeMux pattern that matched r. Unmatched requests
// share one label so arbitrary paths cannot grow the series count.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "other"
	}
	return r.Pattern
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
