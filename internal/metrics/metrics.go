// Package metrics exposes simulator counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorsim"

// Metrics holds the simulator's collectors and the registry they live in.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	Ticks           *prometheus.CounterVec
	SkippedTicks    *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	ActiveSpikes    prometheus.Gauge
	ExpiredSpikes   prometheus.Counter
	ControlRequests *prometheus.CounterVec
	Published       *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "ticks_total",
				Help:      "Ticks that recomputed and wrote a unit's registers",
			},
			[]string{"unit"},
		),

		SkippedTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skipped_ticks_total",
				Help:      "Ticks skipped, by reason (paused, write_failed)",
			},
			[]string{"unit", "reason"},
		),

		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "write_failures_total",
				Help:      "Register writes rejected by the register sink",
			},
			[]string{"unit"},
		),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Time spent computing and writing one tick",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
			},
		),

		ActiveSpikes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "spikes",
				Name:      "active",
				Help:      "Spikes currently stored (active or awaiting sweep)",
			},
		),

		ExpiredSpikes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "spikes",
				Name:      "expired_total",
				Help:      "Spikes reclaimed after expiry",
			},
		),

		ControlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "requests_total",
				Help:      "Control-plane operations by result (ok, invalid, unknown_unit, error)",
			},
			[]string{"operation", "result"},
		),

		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "published_total",
				Help:      "Telemetry messages published, by channel and status",
			},
			[]string{"channel", "status"},
		),
	}

	m.registry.MustRegister(
		m.Ticks,
		m.SkippedTicks,
		m.WriteFailures,
		m.TickDuration,
		m.ActiveSpikes,
		m.ExpiredSpikes,
		m.ControlRequests,
		m.Published,
	)
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// TickDone records a completed tick.
func (m *Metrics) TickDone(unit int, d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(strconv.Itoa(unit)).Inc()
	m.TickDuration.Observe(d.Seconds())
}

// TickSkipped records a tick that wrote nothing.
func (m *Metrics) TickSkipped(unit int, reason string) {
	if m == nil {
		return
	}
	m.SkippedTicks.WithLabelValues(strconv.Itoa(unit), reason).Inc()
}

// WriteFailed records a rejected register write.
func (m *Metrics) WriteFailed(unit int) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(strconv.Itoa(unit)).Inc()
}

// SpikesStored sets the stored-spike gauge.
func (m *Metrics) SpikesStored(n int) {
	if m == nil {
		return
	}
	m.ActiveSpikes.Set(float64(n))
}

// SpikesExpired counts reclaimed spikes.
func (m *Metrics) SpikesExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredSpikes.Add(float64(n))
}

// ControlRequest counts one control-plane operation.
func (m *Metrics) ControlRequest(operation, result string) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(operation, result).Inc()
}

// TelemetryPublished counts one publish attempt.
func (m *Metrics) TelemetryPublished(channel string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Published.WithLabelValues(channel, status).Inc()
}
