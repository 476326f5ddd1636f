package cfw

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the firewall.
type Metrics struct {
	connsTotal       *prometheus.CounterVec
	connsRejected    prometheus.Counter
	activeConns      prometheus.Gauge
	bytesRelayed     prometheus.Counter
	detectionsTotal  *prometheus.CounterVec
	verdictsTotal    *prometheus.CounterVec
	threatLevels     *prometheus.CounterVec
	certCacheSize    prometheus.Gauge
	certsIssued      prometheus.Counter
	ruleCount        prometheus.Gauge
	ruleReloads      prometheus.Counter
	ruleReloadErrs   prometheus.Counter
	logRotations     prometheus.Counter
	alertsDropped    prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "connections_total",
			Help:      "Total number of relayed connections.",
		}, []string{"protocol"}),

		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "connections_rejected_total",
			Help:      "Connections refused at the concurrency cap.",
		}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "active_connections",
			Help:      "Number of active relayed connections.",
		}),

		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes forwarded across all connections.",
		}),

		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "detections_total",
			Help:      "Detections emitted by the inspection pipeline.",
		}, []string{"category", "type"}),

		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "verdicts_total",
			Help:      "Policy verdicts applied to flagged buffers.",
		}, []string{"action"}),

		threatLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "threat_level_total",
			Help:      "Threat records by assessed level.",
		}, []string{"level"}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "certs_issued_total",
			Help:      "Leaf certificates issued.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "rule_count",
			Help:      "Number of active detection rules.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "rule_reloads_total",
			Help:      "Number of successful rule reloads.",
		}),

		ruleReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "rule_reload_errors_total",
			Help:      "Number of failed rule reloads.",
		}),

		logRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "threat_log_rotations_total",
			Help:      "Threat log rotations performed.",
		}),

		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "alerts_dropped_total",
			Help:      "Alerts dropped because the queue was full.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "upstream_errors_total",
			Help:      "Number of origin connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.connsTotal,
		m.connsRejected,
		m.activeConns,
		m.bytesRelayed,
		m.detectionsTotal,
		m.verdictsTotal,
		m.threatLevels,
		m.certCacheSize,
		m.certsIssued,
		m.ruleCount,
		m.ruleReloads,
		m.ruleReloadErrs,
		m.logRotations,
		m.alertsDropped,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConn records a relayed connection by protocol.
func (m *Metrics) RecordConn(protocol string) {
	m.connsTotal.WithLabelValues(protocol).Inc()
}

// RecordConnRejected records a connection refused at the cap.
func (m *Metrics) RecordConnRejected() {
	m.connsRejected.Inc()
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// AddBytesRelayed adds forwarded bytes to the relay counter.
func (m *Metrics) AddBytesRelayed(n int) {
	m.bytesRelayed.Add(float64(n))
}

// RecordInspection records the detections from one inspected buffer.
func (m *Metrics) RecordInspection(detections []Detection) {
	for _, d := range detections {
		m.detectionsTotal.WithLabelValues(d.Category, d.Type).Inc()
	}
}

// RecordVerdict records a policy verdict.
func (m *Metrics) RecordVerdict(action string) {
	m.verdictsTotal.WithLabelValues(action).Inc()
}

// RecordThreatLevel records a threat record's assessed level.
func (m *Metrics) RecordThreatLevel(level ThreatLevel) {
	m.threatLevels.WithLabelValues(string(level)).Inc()
}

// SetCertCacheSize sets the leaf certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertIssued records a leaf certificate issuance.
func (m *Metrics) RecordCertIssued() {
	m.certsIssued.Inc()
}

// SetRuleCount sets the active detection rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a successful rule reload.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed rule reload.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrs.Inc()
}

// RecordLogRotation records a threat log rotation.
func (m *Metrics) RecordLogRotation() {
	m.logRotations.Inc()
}

// RecordAlertDropped records an alert lost to a full queue.
func (m *Metrics) RecordAlertDropped() {
	m.alertsDropped.Inc()
}

// RecordUpstreamError records an origin connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}
