// Package proxy implements the egress forward proxy: the sole enforcement
// point for HTTP/HTTPS traffic leaving the sandbox. HTTPS travels through
// CONNECT tunnels gated on the allowlist; plain HTTP is additionally
// scanned for credential leaks in both directions.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/metrics"
	"github.com/tkingovr/aegis/internal/policy"
)

// Config configures the egress proxy.
type Config struct {
	Addr            string
	UpstreamTimeout time.Duration // default 120s; slow backends are legitimate
	MaxScanBytes    int64         // cap on bodies buffered for credential scanning
}

const (
	defaultUpstreamTimeout = 120 * time.Second
	defaultMaxScanBytes    = 10 << 20
)

// Server is the egress proxy. It consults the shared policy store, an
// optional Rego rule layer, and writes every decision to the audit ledger.
type Server struct {
	cfg      Config
	store    *policy.Store
	rules    *policy.RegoEngine // optional tightening layer, may be nil
	ledger   *audit.Ledger
	patterns *PatternSet
	limiter  *limiter
	logger   *slog.Logger

	// transport for plain HTTP forwarding. Proxy is explicitly nil so the
	// proxy's own client can never inherit HTTP_PROXY from the environment
	// and loop a request back through itself.
	transport *http.Transport

	srv     *http.Server
	readyMu sync.Mutex
	ln      net.Listener
}

// New constructs the proxy server. patterns may be nil to use the default
// credential set; rules may be nil to skip the Rego layer.
func New(cfg Config, store *policy.Store, rules *policy.RegoEngine, ledger *audit.Ledger, patterns *PatternSet, logger *slog.Logger) *Server {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.MaxScanBytes <= 0 {
		cfg.MaxScanBytes = defaultMaxScanBytes
	}
	if patterns == nil {
		patterns = DefaultPatternSet()
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		rules:    rules,
		ledger:   ledger,
		patterns: patterns,
		limiter:  newLimiter(),
		logger:   logger,
		transport: &http.Transport{
			Proxy:                 nil, // never trust ambient proxy env
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
			MaxIdleConns:          64,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// ListenAndServe binds the proxy port and serves until ctx is canceled.
// In-flight CONNECT tunnels are not torn down by policy reloads, only by
// shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}
	s.readyMu.Lock()
	s.ln = ln
	s.readyMu.Unlock()

	s.srv = &http.Server{Handler: s}
	go func() {
		<-ctx.Done()
		s.srv.Close()
	}()

	s.logger.Info("egress proxy listening", "addr", ln.Addr().String())
	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listener address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// handleConnect gates an HTTPS tunnel on the policy snapshot, then relays
// raw bytes. The tunnel payload is opaque; enforcement happens at the
// host:port boundary.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	client := clientIdentity(r)
	host, port := normalizeTarget(r.Host, "443")
	target := net.JoinHostPort(host, port)
	snap := s.store.Snapshot()

	if res := snap.CheckHost(host); !res.Allowed {
		s.deny(w, client, "CONNECT", target, api.DecisionBlock, res.Reason, http.StatusForbidden, api.EventBlocked)
		return
	}
	if !s.checkRules(r.Context(), w, client, "CONNECT", host, mustAtoi(port)) {
		return
	}
	if !s.checkLimit(w, snap, client, "CONNECT", target) {
		return
	}

	upstream, err := net.DialTimeout("tcp", target, s.cfg.UpstreamTimeout)
	if err != nil {
		s.upstreamFailure(w, client, "CONNECT", target, err)
		return
	}
	defer upstream.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", "error", err)
		return
	}
	defer conn.Close()

	fmt.Fprintf(buf, "HTTP/1.1 200 Connection Established\r\n\r\n")
	buf.Flush()

	s.audit(api.EventAllowed, client, "CONNECT", target, api.DecisionAllow, "")
	s.relay(conn, upstream)
}

// relay copies bytes in both directions until either side closes.
func (s *Server) relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if t, ok := dst.(*net.TCPConn); ok {
			t.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
}

// handleHTTP forwards a plain proxied request. Credential scanning runs
// before the allowlist check so a leak to a blocked domain is still
// reported as a leak, not hidden behind the domain denial.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "this is a forward proxy; absolute-form request required", http.StatusBadRequest)
		return
	}
	client := clientIdentity(r)
	host, port := normalizeTarget(r.URL.Host, "80")
	target := net.JoinHostPort(host, port)
	snap := s.store.Snapshot()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxScanBytes))
	r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	scanText := append([]byte(r.URL.String()+"\n"), body...)
	if match, found := s.patterns.Scan(scanText, "request"); found {
		s.credentialLeak(w, client, r.Method, target, match)
		return
	}

	if res := snap.Check(host, r.Method); !res.Allowed {
		s.deny(w, client, r.Method, target, api.DecisionBlock, res.Reason, http.StatusForbidden, api.EventBlocked)
		return
	}
	if !s.checkRules(r.Context(), w, client, r.Method, host, mustAtoi(port)) {
		return
	}
	if !s.checkLimit(w, snap, client, r.Method, target) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), strings.NewReader(string(body)))
	if err != nil {
		http.Error(w, "building upstream request: "+err.Error(), http.StatusInternalServerError)
		return
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Proxy-Connection")

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.upstreamFailure(w, client, r.Method, target, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxScanBytes))
	if err != nil {
		s.upstreamFailure(w, client, r.Method, target, err)
		return
	}
	if match, found := s.patterns.Scan(respBody, "response"); found {
		s.credentialLeak(w, client, r.Method, target, match)
		return
	}

	s.audit(api.EventAllowed, client, r.Method, target, api.DecisionAllow, "")

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// checkRules runs the optional Rego layer; it only ever tightens policy.
// CONNECT tunnels present an empty method to the rules, since the tunneled
// requests are opaque.
func (s *Server) checkRules(ctx context.Context, w http.ResponseWriter, client, method, host string, port int) bool {
	if s.rules == nil {
		return true
	}
	regoMethod := method
	if method == http.MethodConnect {
		regoMethod = ""
	}
	res, err := s.rules.Evaluate(ctx, host, port, regoMethod)
	if err != nil {
		s.logger.Error("rego evaluation failed", "host", host, "error", err)
		res = &policy.RegoResult{Rule: "_rego_error", Message: err.Error()}
	}
	if res.Allow {
		return true
	}
	reason := "rego:" + res.Rule
	s.deny(w, client, method, net.JoinHostPort(host, strconv.Itoa(port)), api.DecisionBlock, reason, http.StatusForbidden, api.EventBlocked)
	return false
}

func (s *Server) checkLimit(w http.ResponseWriter, snap *policy.Snapshot, client, method, target string) bool {
	rl := snap.RateLimit()
	if rl == nil {
		return true
	}
	if s.limiter.allow(client, rl.Max, rl.Window) {
		return true
	}
	s.deny(w, client, method, target, api.DecisionRateLimited,
		fmt.Sprintf("rate limit exceeded: max %d per %s", rl.Max, rl.Window),
		http.StatusTooManyRequests, api.EventRateLimited)
	return false
}

func (s *Server) credentialLeak(w http.ResponseWriter, client, method, target string, match *api.CredentialMatch) {
	s.logger.Warn("credential leak blocked",
		"client", client,
		"target", target,
		"pattern", match.PatternID,
		"location", match.Location,
	)
	payload := struct {
		api.ProxyDecision
		Match *api.CredentialMatch `json:"match"`
	}{
		ProxyDecision: api.ProxyDecision{
			Client:   client,
			Method:   method,
			Target:   target,
			Decision: api.DecisionCredentialLeak,
			Reason:   "credential_pattern:" + match.PatternID,
		},
		Match: match,
	}
	if err := s.ledger.Append(api.EventCredentialLeak, payload); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
	metrics.ProxyDecision(api.DecisionCredentialLeak)
	writeDecision(w, http.StatusForbidden, payload.ProxyDecision)
}

func (s *Server) deny(w http.ResponseWriter, client, method, target string, decision api.Decision, reason string, status int, event api.EventType) {
	s.logger.Info("egress denied",
		"client", client,
		"method", method,
		"target", target,
		"decision", string(decision),
		"reason", reason,
	)
	s.audit(event, client, method, target, decision, reason)
	writeDecision(w, status, api.ProxyDecision{
		Client: client, Method: method, Target: target, Decision: decision, Reason: reason,
	})
}

func (s *Server) upstreamFailure(w http.ResponseWriter, client, method, target string, err error) {
	s.logger.Warn("upstream failure", "target", target, "error", err)
	if aerr := s.ledger.Append(api.EventUpstreamFailure, api.ProxyDecision{
		Client: client, Method: method, Target: target, Decision: api.DecisionBlock, Reason: err.Error(),
	}); aerr != nil {
		s.logger.Error("audit append failed", "error", aerr)
	}
	writeDecision(w, http.StatusBadGateway, api.ProxyDecision{
		Client: client, Method: method, Target: target,
		Decision: api.DecisionBlock, Reason: "upstream_failure: " + err.Error(),
	})
}

func (s *Server) audit(event api.EventType, client, method, target string, decision api.Decision, reason string) {
	if err := s.ledger.Append(event, api.ProxyDecision{
		Client: client, Method: method, Target: target, Decision: decision, Reason: reason,
	}); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
	metrics.ProxyDecision(decision)
}

func writeDecision(w http.ResponseWriter, status int, d api.ProxyDecision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(d)
}

// normalizeTarget lower-cases the host and strips a default port so
// "API.Example.com:443" and "api.example.com" evaluate identically.
func normalizeTarget(hostport, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, defaultPort
	}
	return strings.ToLower(strings.TrimSuffix(host, ".")), port
}

// clientIdentity is the rate-limit and audit key for a request: the
// client's IP without the ephemeral port.
func clientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
