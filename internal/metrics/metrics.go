// Package metrics registers the Prometheus instruments shared by the
// fleet binaries. Everything is registered on the default registry and
// exposed via promhttp on each process's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analysis engine instruments.
var (
	AnalysisCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_engine_analysis_cycles_total",
		Help: "Analysis cycles by terminal status.",
	}, []string{"status"})

	ErrorsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wopr_engine_errors_collected_total",
		Help: "Error records collected across all sources.",
	})

	AutoActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_engine_auto_actions_total",
		Help: "Tier-1 action executions by result.",
	}, []string{"result"})

	EscalationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wopr_engine_escalations_created_total",
		Help: "New escalations created (duplicates absorbed by dedup excluded).",
	})

	RateLimitDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wopr_engine_rate_limit_downgrades_total",
		Help: "Auto decisions converted to escalations by the hourly budget.",
	})

	InferenceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wopr_engine_inference_fallbacks_total",
		Help: "Service batches escalated because model classification was unavailable.",
	})
)

// Gateway instruments.
var (
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_gateway_requests_total",
		Help: "Gateway API requests by tier and status class.",
	}, []string{"tier", "code"})

	BreakglassSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_gateway_breakglass_sessions_total",
		Help: "Breakglass session lifecycle events.",
	}, []string{"event"}) // started, revoked, expired

	BeaconsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wopr_gateway_beacons_registered",
		Help: "Beacons currently known to the registry.",
	})
)

// Certificate authority instruments.
var (
	CertsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_sshca_certificates_issued_total",
		Help: "SSH certificates issued by tier.",
	}, []string{"tier"})

	CertDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopr_sshca_certificates_denied_total",
		Help: "Certificate requests denied by reason.",
	}, []string{"reason"})
)
