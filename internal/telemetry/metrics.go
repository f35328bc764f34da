// Package telemetry wraps prometheus/client_golang behind a narrow
// Recorder interface so the core packages (pool, pipeline, buffer,
// router, publish) stay decoupled from the concrete metrics registry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the metrics surface the core emits into.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, labels map[string]string, value float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// PrometheusRecorder implements Recorder against a prometheus.Registerer.
type PrometheusRecorder struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusRecorder registers the fixed set of metrics the core
// components emit and returns a Recorder bound to them.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	r.counter(reg, "marketfeed_pipeline_processed_total", "total items processed by the pipeline", "exchange")
	r.counter(reg, "marketfeed_pipeline_errors_total", "total stage errors", "exchange", "stage")
	r.counter(reg, "marketfeed_pipeline_dropped_total", "total items dropped", "exchange", "stage")
	r.counter(reg, "marketfeed_buffer_dropped_total", "total items dropped by buffer backpressure", "partition")
	r.counter(reg, "marketfeed_buffer_spilled_total", "total items spilled to the overflow sink", "partition")
	r.counter(reg, "marketfeed_router_routed_total", "total items routed", "strategy")
	r.counter(reg, "marketfeed_router_fallback_total", "total items routed to the fallback target", "")
	r.counter(reg, "marketfeed_publish_failed_total", "total publish batches that exhausted retries", "topic")
	r.counter(reg, "marketfeed_reconnect_attempts_total", "total reconnect attempts", "exchange")
	r.counter(reg, "marketfeed_heartbeat_timeouts_total", "total heartbeat timeouts detected", "exchange", "connection_id")

	r.histogram(reg, "marketfeed_pipeline_latency_ms", "end-to-end pipeline latency in milliseconds", "exchange")
	r.histogram(reg, "marketfeed_publish_batch_size", "publish batch sizes", "topic")

	r.gauge(reg, "marketfeed_connection_health_score", "per-connection health score", "exchange", "connection_id")
	r.gauge(reg, "marketfeed_pool_connections", "current number of pooled connections", "exchange")
	r.gauge(reg, "marketfeed_active_subscriptions", "current number of active subscriptions", "exchange")

	return r
}

func (r *PrometheusRecorder) counter(reg prometheus.Registerer, name, help string, labels ...string) {
	labels = nonEmpty(labels)
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	reg.MustRegister(cv)
	r.counters[name] = cv
}

func (r *PrometheusRecorder) histogram(reg prometheus.Registerer, name, help string, labels ...string) {
	labels = nonEmpty(labels)
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help}, labels)
	reg.MustRegister(hv)
	r.histograms[name] = hv
}

func (r *PrometheusRecorder) gauge(reg prometheus.Registerer, name, help string, labels ...string) {
	labels = nonEmpty(labels)
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	reg.MustRegister(gv)
	r.gauges[name] = gv
}

func nonEmpty(labels []string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (r *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	cv, ok := r.counters[name]
	if !ok {
		return
	}
	cv.With(labels).Inc()
}

func (r *PrometheusRecorder) ObserveHistogram(name string, labels map[string]string, value float64) {
	hv, ok := r.histograms[name]
	if !ok {
		return
	}
	hv.With(labels).Observe(value)
}

func (r *PrometheusRecorder) SetGauge(name string, labels map[string]string, value float64) {
	gv, ok := r.gauges[name]
	if !ok {
		return
	}
	gv.With(labels).Set(value)
}

// NoopRecorder discards everything; useful for tests.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)          {}
func (NoopRecorder) ObserveHistogram(string, map[string]string, float64) {}
func (NoopRecorder) SetGauge(string, map[string]string, float64)   {}
