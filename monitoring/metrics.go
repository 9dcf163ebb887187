package monitoring

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "diabetes"

// ServingMetrics counts what the prediction service has done since start.
// Every instance owns its registry so tests and servers never share series.
type ServingMetrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	predictions   *prometheus.CounterVec
	invalidInputs prometheus.Counter
	failures      prometheus.Counter
	cacheHits     prometheus.Counter
	reloads       prometheus.Counter
	reloadErrors  prometheus.Counter
	latency       prometheus.Histogram
	latencyMax    atomic.Int64
}

type MetricsSnapshot struct {
	Uptime        string           `json:"uptime"`
	Predictions   map[string]int64 `json:"predictions"`
	InvalidInputs int64            `json:"invalid_inputs"`
	Failures      int64            `json:"failures"`
	CacheHits     int64            `json:"cache_hits"`
	Reloads       int64            `json:"reloads"`
	ReloadErrors  int64            `json:"reload_errors"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	Goroutines    int              `json:"goroutines"`
	HeapAlloc     uint64           `json:"heap_alloc"`
}

func NewServingMetrics() *ServingMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	m := &ServingMetrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "predictions_total",
			Help:      "Predictions served by verdict.",
		}, []string{"result"}),
		invalidInputs: counter("invalid_inputs_total", "Requests rejected as invalid input."),
		failures:      counter("prediction_failures_total", "Predictions that failed after validation."),
		cacheHits:     counter("cache_hits_total", "Predictions answered from the cache."),
		reloads:       counter("model_reloads_total", "Successful model reloads."),
		reloadErrors:  counter("model_reload_errors_total", "Failed model reloads."),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "prediction_latency_seconds",
			Help:      "Time spent answering a prediction.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
	m.registry.MustRegister(
		m.predictions,
		m.invalidInputs,
		m.failures,
		m.cacheHits,
		m.reloads,
		m.reloadErrors,
		m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *ServingMetrics) RecordPrediction(verdict string, latency time.Duration, cached bool) {
	m.predictions.WithLabelValues(verdict).Inc()
	if cached {
		m.cacheHits.Inc()
	}
	m.latency.Observe(latency.Seconds())
	for {
		cur := m.latencyMax.Load()
		if int64(latency) <= cur || m.latencyMax.CompareAndSwap(cur, int64(latency)) {
			return
		}
	}
}

func (m *ServingMetrics) RecordInvalidInput() {
	m.invalidInputs.Inc()
}

func (m *ServingMetrics) RecordFailure() {
	m.failures.Inc()
}

func (m *ServingMetrics) RecordReload(err error) {
	if err != nil {
		m.reloadErrors.Inc()
		return
	}
	m.reloads.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *ServingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot reads the registered series back for the JSON health payload.
func (m *ServingMetrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := MetricsSnapshot{
		Uptime:       time.Since(m.startTime).Round(time.Second).String(),
		Predictions:  make(map[string]int64),
		MaxLatencyMs: float64(m.latencyMax.Load()) / float64(time.Millisecond),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    mem.HeapAlloc,
	}

	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, mf := range families {
		switch mf.GetName() {
		case metricsNamespace + "_predictions_total":
			for _, metric := range mf.GetMetric() {
				for _, label := range metric.GetLabel() {
					if label.GetName() == "result" {
						s.Predictions[label.GetValue()] = int64(metric.GetCounter().GetValue())
					}
				}
			}
		case metricsNamespace + "_invalid_inputs_total":
			s.InvalidInputs = counterValue(mf)
		case metricsNamespace + "_prediction_failures_total":
			s.Failures = counterValue(mf)
		case metricsNamespace + "_cache_hits_total":
			s.CacheHits = counterValue(mf)
		case metricsNamespace + "_model_reloads_total":
			s.Reloads = counterValue(mf)
		case metricsNamespace + "_model_reload_errors_total":
			s.ReloadErrors = counterValue(mf)
		case metricsNamespace + "_prediction_latency_seconds":
			if metrics := mf.GetMetric(); len(metrics) > 0 {
				h := metrics[0].GetHistogram()
				if n := h.GetSampleCount(); n > 0 {
					s.AvgLatencyMs = h.GetSampleSum() / float64(n) * 1000
				}
			}
		}
	}
	return s
}

func counterValue(mf *dto.MetricFamily) int64 {
	metrics := mf.GetMetric()
	if len(metrics) == 0 {
		return 0
	}
	return int64(metrics[0].GetCounter().GetValue())
}
