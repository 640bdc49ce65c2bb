// Package metrics exposes the coordinator's Prometheus collectors: HTTP
// instrumentation plus per-tick counters for the feed, predict, score, and
// checkpoint services.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/crunchdao/coordinator-node-starter/internal/app/core/service"
)

var (
	// Registry holds every application-specific Prometheus collector.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	feedRecordsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "feed",
		Name:      "records_ingested_total",
		Help:      "Total number of feed records ingested.",
	}, []string{"source", "subject"})

	predictCycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "predict",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a prediction cycle fan-out.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"config_id"})

	predictOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "predict",
		Name:      "outcomes_total",
		Help:      "Total number of per-model prediction outcomes.",
	}, []string{"model_id", "status"})

	scoreTickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "score",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full score-engine tick (phases A-G).",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"phase"})

	checkpointsBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "checkpoint",
		Name:      "built_total",
		Help:      "Total number of checkpoints built, by resulting status.",
	}, []string{"status"})

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		feedRecordsIngested,
		predictCycleDuration,
		predictOutcomes,
		scoreTickDuration,
		checkpointsBuilt,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordFeedIngestion records a batch of ingested feed records.
func RecordFeedIngestion(source, subject string, count int) {
	if count <= 0 {
		return
	}
	feedRecordsIngested.WithLabelValues(source, subject).Add(float64(count))
}

// RecordPredictCycle records the duration of one scheduled prediction cycle.
func RecordPredictCycle(configID string, duration time.Duration) {
	predictCycleDuration.WithLabelValues(configID).Observe(duration.Seconds())
}

// RecordPredictOutcome records one model's outcome within a prediction cycle.
func RecordPredictOutcome(modelID, status string) {
	predictOutcomes.WithLabelValues(modelID, status).Inc()
}

// RecordScorePhase records the duration of one phase of a score-engine tick.
func RecordScorePhase(phase string, duration time.Duration) {
	scoreTickDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordCheckpointBuilt records the terminal status of one checkpoint build
// attempt.
func RecordCheckpointBuilt(status string) {
	checkpointsBuilt.WithLabelValues(status).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks builds core.ObservationHooks backed by a gauge+histogram
// pair registered under namespace/subsystem/name, reusing the pair across
// calls with the same key.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	for _, key := range []string{"config_id", "model_id", "cycle_id", "checkpoint_id", "scope"} {
		if id, ok := meta[key]; ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_in_flight",
		Help:      "Current operations in flight for " + subsystem,
	}, []string{"resource"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Duration of operations for " + subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"resource", "status"})
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "reports" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/reports"
	}
	return "/reports/" + parts[1]
}
