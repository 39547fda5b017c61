package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postwatch"

// Collector exposes Prometheus metrics for inbound HTTP requests and the
// synchronization engine. A nil *Collector is valid and records nothing.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	batchTotal       *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	jobPolls         *prometheus.CounterVec
	busy             prometheus.Gauge
	clientsByTier    *prometheus.GaugeVec
	snapshotFailures prometheus.Counter
}

// NewCollector constructs a collector on a private registry.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
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
		batchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batches_total",
			Help:      "Synchronization batches by trigger and data provenance.",
		}, []string{"trigger", "provenance"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of synchronization batches.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"trigger"}),
		jobPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "job_polls_total",
			Help:      "Scrape job status polls by outcome.",
		}, []string{"outcome"}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "busy",
			Help:      "1 while a refresh-all batch is in flight.",
		}),
		clientsByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Tracked clients by staleness tier.",
		}, []string{"tier"}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "save_failures_total",
			Help:      "Roster snapshot writes that failed.",
		}),
	}

	collectors := []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.batchTotal,
		c.batchDuration,
		c.jobPolls,
		c.busy,
		c.clientsByTier,
		c.snapshotFailures,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics. Routes
// served by chi are labelled with their pattern instead of the raw path.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// ObserveBatch records one finished synchronization batch.
func (c *Collector) ObserveBatch(trigger, provenance string, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchTotal.WithLabelValues(trigger, provenance).Inc()
	c.batchDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// ObservePoll records the outcome of one job status check.
func (c *Collector) ObservePoll(outcome string) {
	if c == nil {
		return
	}
	c.jobPolls.WithLabelValues(outcome).Inc()
}

// SetBusy mirrors the refresh-all busy flag.
func (c *Collector) SetBusy(busy bool) {
	if c == nil {
		return
	}
	if busy {
		c.busy.Set(1)
		return
	}
	c.busy.Set(0)
}

// SetClientsByTier replaces the per-tier client gauges.
func (c *Collector) SetClientsByTier(counts map[string]int) {
	if c == nil {
		return
	}
	c.clientsByTier.Reset()
	for tier, n := range counts {
		c.clientsByTier.WithLabelValues(tier).Set(float64(n))
	}
}

// IncSnapshotFailure counts a failed roster write.
func (c *Collector) IncSnapshotFailure() {
	if c == nil {
		return
	}
	c.snapshotFailures.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
