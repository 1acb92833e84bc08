// Package metrics exposes Prometheus counters and gauges for the
// governance core's decisions: proxy verdicts, rate-limit rejections,
// DNS responses, and approval-queue depth. Registration and the
// metrics HTTP server shape are grounded on
// cmd/pulse-sensor-proxy/metrics.go's ProxyMetrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const defaultAddr = "127.0.0.1:9127"

// Metrics holds the Prometheus collectors for one orchestrator
// instance. A nil *Metrics is safe to call methods on (all record
// methods no-op), so callers that run with metrics disabled don't
// need to guard every call site.
type Metrics struct {
	proxyDecisions   *prometheus.CounterVec
	proxyLatency     *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	dnsResponses     *prometheus.CounterVec
	approvalPending  prometheus.Gauge
	approvalOutcomes *prometheus.CounterVec
	policyVerdicts   *prometheus.CounterVec
	auditWriteErrors prometheus.Counter
	buildInfo        *prometheus.GaugeVec

	server   *http.Server
	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		proxyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_proxy_decisions_total",
				Help: "Egress proxy requests by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		),
		proxyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_proxy_request_duration_seconds",
				Help:    "Egress proxy request handling latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"domain"},
		),
		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_rate_limit_rejections_total",
				Help: "Requests rejected by the sliding-window rate limiter, by scope.",
			},
			[]string{"scope"},
		),
		dnsResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_dns_responses_total",
				Help: "DNS filter responses by rcode.",
			},
			[]string{"rcode"},
		),
		approvalPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_approval_queue_depth",
				Help: "Number of approval requests currently pending.",
			},
		),
		approvalOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_approval_outcomes_total",
				Help: "Resolved approval requests by terminal state.",
			},
			[]string{"state"},
		),
		policyVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_policy_verdicts_total",
				Help: "Policy engine verdicts by tag and failing invariant.",
			},
			[]string{"tag", "kind"},
		),
		auditWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_audit_write_errors_total",
				Help: "Audit log append failures.",
			},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_build_info",
				Help: "Build metadata.",
			},
			[]string{"version"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.proxyDecisions,
		m.proxyLatency,
		m.rateLimitHits,
		m.dnsResponses,
		m.approvalPending,
		m.approvalOutcomes,
		m.policyVerdicts,
		m.auditWriteErrors,
		m.buildInfo,
	)

	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Start serves /metrics on addr. addr == "" or "disabled" skips
// starting a server entirely; addr == "default" uses defaultAddr.
func (m *Metrics) Start(addr string) error {
	if addr == "" || strings.EqualFold(addr, "disabled") {
		log.Info().Msg("Metrics server disabled")
		return nil
	}
	if addr == "default" {
		addr = defaultAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", addr).Msg("Metrics server started")
	return nil
}

// Shutdown gracefully stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) {
	if m == nil || m.server == nil {
		return
	}
	_ = m.server.Shutdown(ctx)
}

func (m *Metrics) RecordProxyDecision(domain, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if domain == "" {
		domain = "unknown"
	}
	m.proxyDecisions.WithLabelValues(domain, outcome).Inc()
	m.proxyLatency.WithLabelValues(domain).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRateLimitHit(scope string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordDNSResponse(rcode string) {
	if m == nil {
		return
	}
	m.dnsResponses.WithLabelValues(rcode).Inc()
}

func (m *Metrics) SetApprovalPending(n int) {
	if m == nil {
		return
	}
	m.approvalPending.Set(float64(n))
}

func (m *Metrics) RecordApprovalOutcome(state string) {
	if m == nil {
		return
	}
	m.approvalOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordPolicyVerdict(tag, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.policyVerdicts.WithLabelValues(tag, kind).Inc()
}

func (m *Metrics) RecordAuditWriteError() {
	if m == nil {
		return
	}
	m.auditWriteErrors.Inc()
}
