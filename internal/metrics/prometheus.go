package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	assigns            *prometheus.CounterVec
	resolves           *prometheus.CounterVec
	remediationLatency *prometheus.HistogramVec
	activeSessions     prometheus.Gauge
	actions            *prometheus.CounterVec
	dropped            prometheus.Counter
	swept              prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements Collector.
var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering on reg (the default
// registerer if nil) under namespace ("ward" if empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ward"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.assigns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "assignments_total",
			Help:      "Assignment attempts by result.",
		}, []string{"result"})

		p.resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "resolutions_total",
			Help:      "Resolve attempts by problem kind and result.",
		}, []string{"kind", "result"})

		p.remediationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "remediation",
			Name:      "duration_seconds",
			Help:      "External remediation call duration by result.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"})

		p.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Currently connected caregiver sessions.",
		})

		p.actions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "gateway",
			Name:      "actions_total",
			Help:      "Client actions handled by the gateway, by action and result.",
		}, []string{"action", "result"})

		p.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "gateway",
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a client send buffer was full.",
		})

		p.swept = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Inactive sessions pruned after their grace window.",
		})

		p.reg.MustRegister(
			p.assigns,
			p.resolves,
			p.remediationLatency,
			p.activeSessions,
			p.actions,
			p.dropped,
			p.swept,
		)
	})
}

func (p *PrometheusCollector) RecordAssign(result string) {
	p.ensureRegistered()
	p.assigns.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordResolve(kind, result string) {
	p.ensureRegistered()
	p.resolves.WithLabelValues(kind, result).Inc()
}

func (p *PrometheusCollector) ObserveRemediation(d time.Duration, result string) {
	p.ensureRegistered()
	p.remediationLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.ensureRegistered()
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) RecordAction(action, result string) {
	p.ensureRegistered()
	p.actions.WithLabelValues(action, result).Inc()
}

func (p *PrometheusCollector) RecordDroppedMessage() {
	p.ensureRegistered()
	p.dropped.Inc()
}

func (p *PrometheusCollector) RecordSessionsSwept(n int) {
	p.ensureRegistered()
	if n > 0 {
		p.swept.Add(float64(n))
	}
}
