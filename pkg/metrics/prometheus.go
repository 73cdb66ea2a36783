// Package metrics provides Prometheus instrumentation for the Isotope runtime.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

const Namespace = "isotope"

// Metrics holds all runtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	rowsProcessed    *prometheus.CounterVec
	batchesProcessed *prometheus.CounterVec
	batchLatency     *prometheus.HistogramVec
	errors           *prometheus.CounterVec

	inputWatermark    *prometheus.GaugeVec
	watermarksEmitted *prometheus.CounterVec
	streamStatus      *prometheus.GaugeVec
	idleChannels      *prometheus.GaugeVec
	inputChannels     *prometheus.GaugeVec
}

// New creates the runtime collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	labels := []string{"operator_id", "operator_name"}

	m := &Metrics{
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_processed_total",
			Help:      "Total number of rows processed by operator",
		}, labels),
		batchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batches_processed_total",
			Help:      "Total number of batches processed by operator",
		}, labels),
		batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_latency_seconds",
			Help:      "Latency of batch processing in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, labels),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operator",
		}, labels),
		inputWatermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "input_watermark_milliseconds",
			Help:      "Combined watermark of all inputs of an operator",
		}, labels),
		watermarksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "watermarks_emitted_total",
			Help:      "Number of times the combined input watermark advanced",
		}, labels),
		streamStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "stream_status_active",
			Help:      "1 when at least one input of the operator is active, 0 when all are idle",
		}, labels),
		idleChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "idle_input_channels",
			Help:      "Number of idle input channels of an operator",
		}, labels),
		inputChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "input_channels",
			Help:      "Number of input channels merged in front of an operator",
		}, labels),
	}

	collectors := []prometheus.Collector{
		m.rowsProcessed,
		m.batchesProcessed,
		m.batchLatency,
		m.errors,
		m.inputWatermark,
		m.watermarksEmitted,
		m.streamStatus,
		m.idleChannels,
		m.inputChannels,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveBatch records one processed batch.
func (m *Metrics) ObserveBatch(id, name string, rows int64, seconds float64) {
	if m == nil {
		return
	}
	m.batchesProcessed.WithLabelValues(id, name).Inc()
	m.rowsProcessed.WithLabelValues(id, name).Add(float64(rows))
	m.batchLatency.WithLabelValues(id, name).Observe(seconds)
}

// IncError records one processing error.
func (m *Metrics) IncError(id, name string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(id, name).Inc()
}

// SetInputChannels records the number of merged inputs.
func (m *Metrics) SetInputChannels(id, name string, n int) {
	if m == nil {
		return
	}
	m.inputChannels.WithLabelValues(id, name).Set(float64(n))
	m.streamStatus.WithLabelValues(id, name).Set(1)
}

// ObserveWatermark records an advance of the combined input watermark.
func (m *Metrics) ObserveWatermark(id, name string, ts int64) {
	if m == nil {
		return
	}
	m.inputWatermark.WithLabelValues(id, name).Set(float64(ts))
	m.watermarksEmitted.WithLabelValues(id, name).Inc()
}

// ObserveStreamStatus records the combined input status and idle channel count.
func (m *Metrics) ObserveStreamStatus(id, name string, status operator.StreamStatus, idle int) {
	if m == nil {
		return
	}
	active := 0.0
	if status == operator.StatusActive {
		active = 1
	}
	m.streamStatus.WithLabelValues(id, name).Set(active)
	m.idleChannels.WithLabelValues(id, name).Set(float64(idle))
}
