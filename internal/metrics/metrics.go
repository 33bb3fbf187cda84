// Package metrics 定义流水线导出的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 各指标的结果标签取值。
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultUnreachable = "unreachable"
	ResultCached      = "cached"
	ResultLocal       = "local"
	ResultRateLimited = "rate_limited"

	SourceTrace = "trace"
	SourceProbe = "probe"
)

// Metrics 汇总各组件使用的计数器。nil 接收者上的所有方法都是空操作。
type Metrics struct {
	connectionsDiscovered prometheus.Counter
	traces                *prometheus.CounterVec
	geoLookups            *prometheus.CounterVec
	latencySamples        *prometheus.CounterVec
	probeCycles           *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	storeErrors           *prometheus.CounterVec
}

// New 创建指标并注册到 reg。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "connections_discovered_total",
			Help:      "Remote endpoints seen for the first time.",
		}),
		traces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "traces_total",
			Help:      "Completed path traces by result.",
		}, []string{"result"}),
		geoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "geo_lookups_total",
			Help:      "Geolocation lookups by result.",
		}, []string{"result"}),
		latencySamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "latency_samples_total",
			Help:      "Latency samples recorded by source.",
		}, []string{"source"}),
		probeCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "probe_cycles_total",
			Help:      "Batch latency probe cycles by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nettrace",
			Name:      "trace_queue_depth",
			Help:      "Addresses waiting for a path trace.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nettrace",
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionsDiscovered,
			m.traces,
			m.geoLookups,
			m.latencySamples,
			m.probeCycles,
			m.queueDepth,
			m.storeErrors,
		)
	}
	return m
}

func (m *Metrics) ConnectionDiscovered() {
	if m == nil {
		return
	}
	m.connectionsDiscovered.Inc()
}

func (m *Metrics) TraceCompleted(result string) {
	if m == nil {
		return
	}
	m.traces.WithLabelValues(result).Inc()
}

func (m *Metrics) GeoLookup(result string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) LatencySample(source string) {
	if m == nil {
		return
	}
	m.latencySamples.WithLabelValues(source).Inc()
}

func (m *Metrics) ProbeCycle(result string) {
	if m == nil {
		return
	}
	m.probeCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
