package dnsfilter

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/tkingovr/aegis/internal/audit"
	"github.com/tkingovr/aegis/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream answers every A query with 192.0.2.1.
func fakeUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func startFilter(t *testing.T, entries []policy.Entry, upstreams []string) (*Server, string, *audit.Ledger) {
	t.Helper()
	ledger, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	s := New(Config{Addr: "127.0.0.1:0", Upstreams: upstreams, UpstreamTimeout: 500 * time.Millisecond},
		policy.New(entries, nil), ledger, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.ListenAndServe(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("dns filter never bound its listener")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s, s.Addr(), ledger
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("query %s: %v", name, err)
	}
	return resp
}

func TestFilter_BlockedDomainGetsNXDOMAIN(t *testing.T) {
	upstream := fakeUpstream(t)
	_, addr, _ := startFilter(t, []policy.Entry{{Domain: "api.openai.com", Enabled: true}}, []string{upstream})

	resp := query(t, addr, "evil.example.com", dns.TypeA)
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("rcode = %d, want NXDOMAIN(3)", resp.Rcode)
	}
	if len(resp.Answer) != 0 {
		t.Error("blocked query must carry no answer")
	}
}

func TestFilter_AllowedDomainForwarded(t *testing.T) {
	upstream := fakeUpstream(t)
	_, addr, _ := startFilter(t, []policy.Entry{{Domain: "api.openai.com", Enabled: true}}, []string{upstream})

	resp := query(t, addr, "api.openai.com", dns.TypeA)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %d, want NOERROR(0)", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want the upstream's A record", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok || a.A.String() != "192.0.2.1" {
		t.Errorf("answer = %v, want 192.0.2.1", resp.Answer[0])
	}
}

func TestFilter_SuffixRulesMatchProxy(t *testing.T) {
	upstream := fakeUpstream(t)
	_, addr, _ := startFilter(t, []policy.Entry{{Domain: "*.github.com", Enabled: true}}, []string{upstream})

	if resp := query(t, addr, "raw.github.com", dns.TypeA); resp.Rcode != dns.RcodeSuccess {
		t.Errorf("subdomain of suffix entry: rcode = %d, want NOERROR", resp.Rcode)
	}
	if resp := query(t, addr, "notgithub.com", dns.TypeA); resp.Rcode != dns.RcodeNameError {
		t.Errorf("lookalike domain: rcode = %d, want NXDOMAIN", resp.Rcode)
	}
}

func TestFilter_UpstreamFailureGetsSERVFAIL(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET; nothing answers there.
	s, addr, _ := startFilter(t, []policy.Entry{{Domain: "api.openai.com", Enabled: true}},
		[]string{"192.0.2.99:53"})

	resp := query(t, addr, "api.openai.com", dns.TypeA)
	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("rcode = %d, want SERVFAIL(2)", resp.Rcode)
	}

	// The query was neither allowed nor blocked, but Total must still see it.
	st := s.Stats()
	if st.Allowed != 0 || st.Blocked != 0 || st.Failed != 1 || st.Total != 1 {
		t.Errorf("stats = %+v, want allowed=0 blocked=0 failed=1 total=1", st)
	}
}

func TestFilter_UpstreamFailover(t *testing.T) {
	good := fakeUpstream(t)
	_, addr, _ := startFilter(t, []policy.Entry{{Domain: "api.openai.com", Enabled: true}},
		[]string{"192.0.2.99:53", good})

	resp := query(t, addr, "api.openai.com", dns.TypeA)
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("second upstream should win: rcode = %d", resp.Rcode)
	}
}

func TestFilter_MalformedQueryGetsFORMERR(t *testing.T) {
	upstream := fakeUpstream(t)
	_, addr, _ := startFilter(t, nil, []string{upstream})

	m := new(dns.Msg)
	m.Id = dns.Id()
	// no question section at all
	c := &dns.Client{Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Rcode != dns.RcodeFormatError {
		t.Errorf("rcode = %d, want FORMERR(1)", resp.Rcode)
	}
}

func TestFilter_StatsCountersAndTopBlocked(t *testing.T) {
	upstream := fakeUpstream(t)
	s, addr, _ := startFilter(t, []policy.Entry{{Domain: "api.openai.com", Enabled: true}}, []string{upstream})

	query(t, addr, "api.openai.com", dns.TypeA)
	query(t, addr, "evil.example.com", dns.TypeA)
	query(t, addr, "evil.example.com", dns.TypeA)
	query(t, addr, "bad.example.net", dns.TypeA)

	st := s.Stats()
	if st.Allowed != 1 || st.Blocked != 3 || st.Total != 4 {
		t.Errorf("stats = %+v, want allowed=1 blocked=3 total=4", st)
	}
	if len(st.TopBlocked) == 0 || st.TopBlocked[0].Domain != "evil.example.com" || st.TopBlocked[0].Count != 2 {
		t.Errorf("top blocked = %+v", st.TopBlocked)
	}
}

func TestFilter_StatsTXTQuery(t *testing.T) {
	upstream := fakeUpstream(t)
	_, addr, _ := startFilter(t, nil, []string{upstream})

	query(t, addr, "blocked.example.com", dns.TypeA)

	resp := query(t, addr, StatsDomain, dns.TypeTXT)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("stats query rcode = %d", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("stats query returned %d answers", len(resp.Answer))
	}
	txt, ok := resp.Answer[0].(*dns.TXT)
	if !ok {
		t.Fatalf("stats answer is %T, want TXT", resp.Answer[0])
	}
	found := false
	for _, s := range txt.Txt {
		if s == "blocked=1" {
			found = true
		}
	}
	if !found {
		t.Errorf("stats TXT missing blocked counter: %v", txt.Txt)
	}
}

func TestStats_BoundedEviction(t *testing.T) {
	st := newStats(3, 2)
	st.recordBlocked("a.example")
	st.recordBlocked("a.example")
	st.recordBlocked("b.example")
	st.recordBlocked("b.example")
	st.recordBlocked("c.example")
	st.recordBlocked("d.example") // evicts c.example (smallest)

	snap := st.snapshot()
	if snap.Blocked != 6 {
		t.Errorf("blocked = %d, want 6 (total counter unaffected by eviction)", snap.Blocked)
	}
	if len(snap.TopBlocked) != 2 {
		t.Fatalf("top list length = %d, want bound of 2", len(snap.TopBlocked))
	}
	if snap.TopBlocked[0].Count != 2 {
		t.Errorf("top entry = %+v", snap.TopBlocked[0])
	}
}
