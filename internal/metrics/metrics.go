// Package metrics exposes prometheus counters for governance decisions.
// Counters are fire-and-forget; nothing in the decision path ever blocks
// on metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tkingovr/aegis/api"
)

var (
	proxyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_proxy_decisions_total",
		Help: "Egress proxy decisions by outcome.",
	}, []string{"decision"})

	dnsQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_dns_queries_total",
		Help: "DNS filter query decisions by outcome.",
	}, []string{"decision"})

	approvalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_approval_requests_total",
		Help: "Approval queue transitions by resulting status.",
	}, []string{"status"})
)

// ProxyDecision records one egress proxy decision.
func ProxyDecision(d api.Decision) {
	proxyDecisions.WithLabelValues(string(d)).Inc()
}

// DNSQuery records one DNS filter decision.
func DNSQuery(d api.Decision) {
	dnsQueries.WithLabelValues(string(d)).Inc()
}

// ApprovalTransition records an approval request entering a state.
func ApprovalTransition(s api.ApprovalStatus) {
	approvalTransitions.WithLabelValues(string(s)).Inc()
}
