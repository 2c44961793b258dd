// Package metrics exposes call and signaling counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/callsig/internal/domain"
)

type Metrics struct {
	reg *prometheus.Registry

	CallsStarted    *prometheus.CounterVec
	CallsEnded      *prometheus.CounterVec
	ActiveCalls     prometheus.Gauge
	CallDuration    prometheus.Histogram
	SignalingErrors *prometheus.CounterVec
	WSClients       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		CallsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsig_calls_started_total",
			Help: "Calls entered, by local role",
		}, []string{"role"}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsig_calls_ended_total",
			Help: "Calls ended, by local role, end reason and log outcome",
		}, []string{"role", "reason", "outcome"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "callsig_active_calls",
			Help: "Calls currently between dialing or ringing and ended",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callsig_call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		SignalingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callsig_signaling_errors_total",
			Help: "Signaling store failures, by operation",
		}, []string{"op"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "callsig_ws_clients",
			Help: "Connected control websocket clients",
		}),
	}
}

func (m *Metrics) CallStarted(role domain.Role) {
	m.CallsStarted.WithLabelValues(role.String()).Inc()
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded(role domain.Role, reason domain.EndReason, outcome domain.Outcome, duration *int) {
	m.CallsEnded.WithLabelValues(role.String(), string(reason), string(outcome)).Inc()
	m.ActiveCalls.Dec()
	if duration != nil {
		m.CallDuration.Observe(float64(*duration))
	}
}

func (m *Metrics) SignalingError(op string) {
	m.SignalingErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ClientConnected()    { m.WSClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.WSClients.Dec() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
