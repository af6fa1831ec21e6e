// Package observability holds the Prometheus metrics of the game server.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "advinvest"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted prometheus.Counter
	SessionsResumed prometheus.Counter
	SessionsPaused  prometheus.Counter
	SessionsEnded   *prometheus.CounterVec // reason
	SessionsActive  prometheus.Gauge
	Ticks           *prometheus.CounterVec // result
	TickDuration    prometheus.Histogram
	Trades          *prometheus.CounterVec // side
	TradesRejected  *prometheus.CounterVec // side, code
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Games started.",
		}),
		SessionsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_resumed_total",
			Help: "Games resumed from a pause checkpoint.",
		}),
		SessionsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_paused_total",
			Help: "Games paused by request, disconnect or tick failure.",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Games ended, by reason.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Games currently ticking.",
		}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Session ticks, by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent in one session tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Executed orders, by side.",
		}, []string{"side"}),
		TradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_rejected_total",
			Help: "Rejected orders, by side and error code.",
		}, []string{"side", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted, m.SessionsResumed, m.SessionsPaused, m.SessionsEnded,
		m.SessionsActive, m.Ticks, m.TickDuration, m.Trades, m.TradesRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Started() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) Resumed() {
	if m != nil {
		m.SessionsResumed.Inc()
	}
}

func (m *Metrics) Paused() {
	if m != nil {
		m.SessionsPaused.Inc()
	}
}

func (m *Metrics) Ended(reason string) {
	if m != nil {
		m.SessionsEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Active(n int) {
	if m != nil {
		m.SessionsActive.Set(float64(n))
	}
}

func (m *Metrics) Tick(result string, seconds float64) {
	if m != nil {
		m.Ticks.WithLabelValues(result).Inc()
		m.TickDuration.Observe(seconds)
	}
}

func (m *Metrics) Trade(side string) {
	if m != nil {
		m.Trades.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) TradeRejected(side, code string) {
	if m != nil {
		m.TradesRejected.WithLabelValues(side, code).Inc()
	}
}
