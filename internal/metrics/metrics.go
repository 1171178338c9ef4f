// Package metrics exposes Prometheus counters and histograms for the
// broadcast transport, epoch lifecycle, and ONNX inference paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this process registers. One instance is
// created per process and threaded into the components that report on it.
type Metrics struct {
	BroadcastClients  *prometheus.GaugeVec
	BroadcastEvicted  *prometheus.CounterVec
	EpochAdvanceTotal prometheus.Counter
	ONNXRunDuration   *prometheus.HistogramVec
	ONNXRunErrors     *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against the default
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		BroadcastClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcsp_broadcast_clients",
			Help: "Current number of connected clients per broadcast server",
		}, []string{"server"}),
		BroadcastEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcsp_broadcast_evicted_total",
			Help: "Total number of clients evicted from a broadcast server",
		}, []string{"server"}),
		EpochAdvanceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcsp_epoch_advance_total",
			Help: "Total number of epoch advances (cancellation generations)",
		}),
		ONNXRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcsp_onnx_run_duration_seconds",
			Help:    "Duration of ONNX graph Run calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"graph"}),
		ONNXRunErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcsp_onnx_run_errors_total",
			Help: "Total number of ONNX graph Run calls that returned an error",
		}, []string{"graph"}),
	}

	m.register()

	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.BroadcastClients,
		m.BroadcastEvicted,
		m.EpochAdvanceTotal,
		m.ONNXRunDuration,
		m.ONNXRunErrors,
	)
}

// SetBroadcastClients records the current client count for a named
// broadcast server (e.g. the transport listen address).
func (m *Metrics) SetBroadcastClients(server string, count int) {
	m.BroadcastClients.WithLabelValues(server).Set(float64(count))
}

// RecordBroadcastEviction increments the eviction counter for server.
func (m *Metrics) RecordBroadcastEviction(server string) {
	m.BroadcastEvicted.WithLabelValues(server).Inc()
}

// RecordEpochAdvance increments the epoch-advance counter.
func (m *Metrics) RecordEpochAdvance() {
	m.EpochAdvanceTotal.Inc()
}

// RecordONNXRun observes the duration of one Run call against graph, and
// increments the error counter if err is non-nil.
func (m *Metrics) RecordONNXRun(graph string, seconds float64, err error) {
	m.ONNXRunDuration.WithLabelValues(graph).Observe(seconds)

	if err != nil {
		m.ONNXRunErrors.WithLabelValues(graph).Inc()
	}
}
