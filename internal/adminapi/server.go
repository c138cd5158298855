// Package adminapi is the operator-facing HTTP surface: approval
// resolution, audit queries, DNS stats, policy reload, and Prometheus
// metrics. It listens on a loopback address and is never reachable from
// inside the sandbox.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkingovr/aegis/internal/approval"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/dnsfilter"
	"github.com/tkingovr/aegis/internal/policy"
)

// Server is the admin HTTP server. dns may be nil when the DNS filter is
// not running in this process.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
	ledger *audit.Ledger
	queue  *approval.Queue
	store  *policy.Store
	dns    *dnsfilter.Server
	addr   string
}

// NewServer creates a new admin server.
func NewServer(addr string, ledger *audit.Ledger, queue *approval.Queue, store *policy.Store, dns *dnsfilter.Server, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		logger: logger,
		ledger: ledger,
		queue:  queue,
		store:  store,
		dns:    dns,
		addr:   addr,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/approvals", s.handleApprovals)
	s.mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/v1/approvals/{id}/deny", s.handleDeny)

	s.mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/v1/audit/stats", s.handleAuditStats)
	s.mux.HandleFunc("GET /api/v1/dns/stats", s.handleDNSStats)

	s.mux.HandleFunc("GET /api/v1/policy", s.handlePolicy)
	s.mux.HandleFunc("POST /api/v1/policy/reload", s.handlePolicyReload)
}

// ListenAndServe starts the admin HTTP server.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info("starting admin api", "addr", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}
