// Package dnsfilter is the sandbox's authoritative resolver. It shares the
// egress proxy's policy store, forwards allowed queries to configured
// upstream resolvers, and answers everything else with NXDOMAIN without
// ever contacting an upstream. It performs no recursion of its own.
package dnsfilter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/metrics"
	"github.com/tkingovr/aegis/internal/policy"
)

// StatsDomain is a reserved name: a TXT query for it returns the running
// counters so in-sandbox tooling can read them without an extra port.
const StatsDomain = "stats.aegis.internal."

const (
	defaultUpstreamTimeout = 2 * time.Second
	maxTrackedDomains      = 64
	topBlockedSize         = 20
)

// Config configures the DNS filter.
type Config struct {
	Addr            string
	Upstreams       []string // host:port resolvers tried in order
	UpstreamTimeout time.Duration
}

// Server answers UDP and TCP DNS on one address.
type Server struct {
	cfg    Config
	store  *policy.Store
	ledger *audit.Ledger
	logger *slog.Logger
	stats  *stats
	client *dns.Client

	mu  sync.Mutex
	udp *dns.Server
	tcp *dns.Server
	pc  net.PacketConn
}

// New constructs the filter. The store must be the same instance the proxy
// uses; separate copies would let the two drift apart.
func New(cfg Config, store *policy.Store, ledger *audit.Ledger, logger *slog.Logger) *Server {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		logger: logger,
		stats:  newStats(maxTrackedDomains, topBlockedSize),
		client: &dns.Client{Timeout: cfg.UpstreamTimeout},
	}
}

// ListenAndServe binds UDP and TCP listeners and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding dns udp listener: %w", err)
	}
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("binding dns tcp listener: %w", err)
	}

	s.mu.Lock()
	s.pc = pc
	s.udp = &dns.Server{PacketConn: pc, Handler: s}
	s.tcp = &dns.Server{Listener: ln, Handler: s}
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ActivateAndServe() }()
	go func() { errCh <- s.tcp.ActivateAndServe() }()

	s.logger.Info("dns filter listening", "addr", pc.LocalAddr().String(), "upstreams", s.cfg.Upstreams)

	select {
	case <-ctx.Done():
		s.udp.Shutdown()
		s.tcp.Shutdown()
		return nil
	case err := <-errCh:
		s.udp.Shutdown()
		s.tcp.Shutdown()
		return err
	}
}

// Addr returns the bound UDP address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return ""
	}
	return s.pc.LocalAddr().String()
}

// Stats returns the running counters and top-blocked list.
func (s *Server) Stats() api.DNSStats {
	return s.stats.snapshot()
}

// ServeDNS implements dns.Handler. It must never panic: a malformed query
// gets FORMERR, an upstream failure gets SERVFAIL.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("dns handler panic", "panic", rec)
			s.refuse(w, r, dns.RcodeServerFailure)
		}
	}()

	if r == nil || len(r.Question) != 1 {
		s.refuse(w, r, dns.RcodeFormatError)
		return
	}
	q := r.Question[0]
	domain := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	qtype := dns.TypeToString[q.Qtype]

	if strings.EqualFold(q.Name, StatsDomain) && q.Qtype == dns.TypeTXT {
		s.answerStats(w, r)
		return
	}

	snap := s.store.Snapshot()
	if res := snap.CheckHost(domain); !res.Allowed {
		s.stats.recordBlocked(domain)
		s.audit(api.EventDNSBlocked, domain, qtype, api.DecisionBlock, dns.RcodeNameError)
		metrics.DNSQuery(api.DecisionBlock)

		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		m.Authoritative = true
		w.WriteMsg(m)
		return
	}

	answer, err := s.forward(r)
	if err != nil {
		s.logger.Warn("all dns upstreams failed", "domain", domain, "error", err)
		s.stats.recordFailed()
		s.audit(api.EventUpstreamFailure, domain, qtype, api.DecisionBlock, dns.RcodeServerFailure)
		s.refuse(w, r, dns.RcodeServerFailure)
		return
	}

	s.stats.recordAllowed()
	s.audit(api.EventDNSAllowed, domain, qtype, api.DecisionAllow, answer.Rcode)
	metrics.DNSQuery(api.DecisionAllow)

	answer.Id = r.Id
	w.WriteMsg(answer)
}

// forward relays the query to the configured upstreams in order; the first
// successful exchange wins.
func (s *Server) forward(r *dns.Msg) (*dns.Msg, error) {
	q := r.Question[0]
	m := new(dns.Msg)
	m.SetQuestion(q.Name, q.Qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, upstream := range s.cfg.Upstreams {
		resp, _, err := s.client.Exchange(m, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream resolvers configured")
	}
	return nil, lastErr
}

func (s *Server) answerStats(w dns.ResponseWriter, r *dns.Msg) {
	st := s.stats.snapshot()
	txt := []string{
		fmt.Sprintf("allowed=%d", st.Allowed),
		fmt.Sprintf("blocked=%d", st.Blocked),
		fmt.Sprintf("failed=%d", st.Failed),
		fmt.Sprintf("total=%d", st.Total),
	}
	for _, b := range st.TopBlocked {
		txt = append(txt, fmt.Sprintf("top=%s:%d", b.Domain, b.Count))
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: StatsDomain, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
		Txt: txt,
	})
	w.WriteMsg(m)
}

func (s *Server) refuse(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	if r != nil {
		m.SetRcode(r, rcode)
	} else {
		m.Rcode = rcode
	}
	w.WriteMsg(m)
}

func (s *Server) audit(event api.EventType, domain, qtype string, decision api.Decision, rcode int) {
	if err := s.ledger.Append(event, api.DNSDecision{
		Domain:    domain,
		QueryType: qtype,
		Decision:  decision,
		Rcode:     rcode,
	}); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
}
