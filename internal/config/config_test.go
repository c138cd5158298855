package config

import (
	"testing"
	"time"
)

func TestLoadBytes_FullFile(t *testing.T) {
	yaml := `
version: 1
proxy:
  addr: "0.0.0.0:9000"
  upstream_timeout: "30s"
dns:
  addr: "0.0.0.0:5300"
  upstreams: ["9.9.9.9:53", "8.8.8.8:53"]
approval:
  timeout: "10m"
admin:
  addr: "127.0.0.1:9090"
policy: /etc/aegis/policy.yaml
data_dir: /var/lib/aegis
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyAddr != "0.0.0.0:9000" {
		t.Errorf("proxy addr = %s", cfg.ProxyAddr)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Errorf("upstream timeout = %s", cfg.UpstreamTimeout)
	}
	if len(cfg.DNSUpstreams) != 2 || cfg.DNSUpstreams[0] != "9.9.9.9:53" {
		t.Errorf("upstreams = %v", cfg.DNSUpstreams)
	}
	if cfg.ApprovalTimeout != 10*time.Minute {
		t.Errorf("approval timeout = %s", cfg.ApprovalTimeout)
	}
	if cfg.AuditPath() != "/var/lib/aegis/audit.jsonl" {
		t.Errorf("audit path = %s", cfg.AuditPath())
	}
	if cfg.ApprovalDBPath() != "/var/lib/aegis/approvals.db" {
		t.Errorf("approval db path = %s", cfg.ApprovalDBPath())
	}
}

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes([]byte("version: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyAddr != DefaultProxyAddr {
		t.Errorf("proxy addr = %s, want %s", cfg.ProxyAddr, DefaultProxyAddr)
	}
	if cfg.DNSAddr != DefaultDNSAddr {
		t.Errorf("dns addr = %s, want %s", cfg.DNSAddr, DefaultDNSAddr)
	}
	if cfg.ApprovalTimeout != DefaultApprovalTimeout {
		t.Errorf("approval timeout = %s, want %s", cfg.ApprovalTimeout, DefaultApprovalTimeout)
	}
	if len(cfg.DNSUpstreams) != 1 || cfg.DNSUpstreams[0] != DefaultUpstreamDNS {
		t.Errorf("upstreams = %v", cfg.DNSUpstreams)
	}
}

func TestLoadBytes_InvalidTimeout(t *testing.T) {
	yaml := `
version: 1
approval:
  timeout: "soon"
`
	if _, err := LoadBytes([]byte(yaml)); err == nil {
		t.Fatal("expected error for invalid timeout")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AEGIS_PROXY_ADDR", "10.1.2.3:1234")
	t.Setenv("AEGIS_DATA_DIR", "/tmp/aegis-test")

	cfg, err := LoadBytes([]byte("version: 1\nproxy:\n  addr: \"127.0.0.1:8888\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProxyAddr != "10.1.2.3:1234" {
		t.Errorf("env override lost: proxy addr = %s", cfg.ProxyAddr)
	}
	if cfg.DataDir != "/tmp/aegis-test" {
		t.Errorf("env override lost: data dir = %s", cfg.DataDir)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ProxyAddr == "" || cfg.DNSAddr == "" || cfg.AdminAddr == "" {
		t.Fatalf("incomplete defaults: %+v", cfg)
	}
}
