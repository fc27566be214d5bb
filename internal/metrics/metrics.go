// Package metrics exposes Prometheus collectors for the lock controller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blelock-home/internal/coordinator"
)

// Metrics tracks scans, unlock sessions and their outcomes.
type Metrics struct {
	registry *prometheus.Registry

	ScansStarted     prometheus.Counter
	DevicesSeen      prometheus.Counter
	UnlockRequests   prometheus.Counter
	UnlockOutcomes   *prometheus.CounterVec
	ResolveAttempts  prometheus.Histogram
	UnlockDuration   prometheus.Histogram
	SessionsInFlight prometheus.Gauge
}

// New creates a Metrics instance on its own registry, with Go runtime and
// process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScansStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "blelock_scans_started_total",
			Help: "Total number of scan sessions started",
		}),
		DevicesSeen: f.NewCounter(prometheus.CounterOpts{
			Name: "blelock_devices_discovered_total",
			Help: "Total number of device advertisements accepted into the registry",
		}),
		UnlockRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "blelock_unlock_requests_total",
			Help: "Total number of unlock sessions started",
		}),
		UnlockOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blelock_unlock_outcomes_total",
			Help: "Settled unlock sessions by result code (ok for success)",
		}, []string{"code"}),
		ResolveAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "blelock_resolve_attempts",
			Help:    "Registry checks needed to resolve (or give up on) a device",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 80, 100},
		}),
		UnlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "blelock_unlock_duration_seconds",
			Help:    "Time from unlock request to settlement, including the auto-close delay",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90},
		}),
		SessionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "blelock_sessions_in_flight",
			Help: "Unlock sessions not yet settled",
		}),
	}
}

// WatchRegistry exports the registry size as a gauge.
func (m *Metrics) WatchRegistry(r *coordinator.Registry) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blelock_registry_devices",
		Help: "Devices currently held in the discovery registry",
	}, func() float64 { return float64(r.Len()) })
}

// Attach subscribes to lock controller events and returns an unsubscribe function.
func (m *Metrics) Attach(events *coordinator.EventBus) func() {
	unsubs := []func(){
		events.On(coordinator.EventScanStarted, func(coordinator.Event) {
			m.ScansStarted.Inc()
		}),
		events.On(coordinator.EventDeviceDiscovered, func(coordinator.Event) {
			m.DevicesSeen.Inc()
		}),
		events.On(coordinator.EventSessionState, func(e coordinator.Event) {
			if st, ok := e.Data.(coordinator.SessionStateEvent); ok && st.State == coordinator.StateWaitingForDevice {
				m.UnlockRequests.Inc()
				m.SessionsInFlight.Inc()
			}
		}),
		events.On(coordinator.EventUnlockResult, func(e coordinator.Event) {
			if res, ok := e.Data.(coordinator.UnlockResultEvent); ok {
				m.ObserveResult(res)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ObserveResult records one settled session.
func (m *Metrics) ObserveResult(res coordinator.UnlockResultEvent) {
	code := res.Code
	if res.OK {
		code = "ok"
	}
	m.UnlockOutcomes.WithLabelValues(code).Inc()
	m.ResolveAttempts.Observe(float64(res.Attempts))
	m.UnlockDuration.Observe(res.Duration().Seconds())
	m.SessionsInFlight.Dec()
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
