package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	cycleDuration prom.Histogram
	invalidations *prom.CounterVec
	evictions     prom.Counter
	targets       *prom.GaugeVec
	ensureWait    *prom.HistogramVec
	sessions      prom.Gauge
	keepAliveMsgs *prom.CounterVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil registry gets a fresh private one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		cycleDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "ondemand",
			Name:      "cycle_duration_seconds",
			Help:      "Time from invalidation to cycle-done report",
			Buckets:   prom.DefBuckets,
		}),
		invalidations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ondemand",
			Name:      "invalidations_total",
			Help:      "Invalidate calls by outcome (started a cycle or collapsed into one)",
		}, []string{"outcome"}),
		evictions: prom.NewCounter(prom.CounterOpts{
			Namespace: "ondemand",
			Name:      "evictions_total",
			Help:      "Build targets disposed for inactivity",
		}),
		targets: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "ondemand",
			Name:      "targets",
			Help:      "Tracked build targets by status",
		}, []string{"status"}),
		ensureWait: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "ondemand",
			Name:      "ensure_wait_seconds",
			Help:      "Time callers spent waiting in EnsureRoute",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"}),
		sessions: prom.NewGauge(prom.GaugeOpts{
			Namespace: "ondemand",
			Name:      "keepalive_sessions",
			Help:      "Connected keep-alive sessions",
		}),
		keepAliveMsgs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ondemand",
			Name:      "keepalive_messages_total",
			Help:      "Keep-alive messages sent by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(pr.cycleDuration, pr.invalidations, pr.evictions, pr.targets, pr.ensureWait, pr.sessions, pr.keepAliveMsgs)
	return pr
}

func (p *PrometheusRecorder) ObserveCycleDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.cycleDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncInvalidation(outcome InvalidationOutcome) {
	if p == nil {
		return
	}
	p.invalidations.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) AddEvictions(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.evictions.Add(float64(n))
}

func (p *PrometheusRecorder) SetTargets(status string, n int) {
	if p == nil {
		return
	}
	p.targets.WithLabelValues(status).Set(float64(n))
}

func (p *PrometheusRecorder) ObserveEnsureWait(d time.Duration, outcome WaitOutcome) {
	if p == nil {
		return
	}
	p.ensureWait.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetKeepAliveSessions(n int) {
	if p == nil {
		return
	}
	p.sessions.Set(float64(n))
}

func (p *PrometheusRecorder) IncKeepAliveMessage(kind string) {
	if p == nil {
		return
	}
	p.keepAliveMsgs.WithLabelValues(kind).Inc()
}
